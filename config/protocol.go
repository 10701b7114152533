package config

// =============================================================================
// Protocol limits
// These must match across Dragon Net peers or verification requests are
// rejected as malformed.
// =============================================================================

const (
	MaxPayloadSize   = 1 << 20 // 1 MB max transaction payload
	MaxTxnTypeLength = 64      // Max length of a transaction type name
	MaxTagLength     = 1024    // Max length of a transaction tag
	MaxBlockItems    = 10_000  // Hard ceiling for block_item_cap
	MaxRequestBlocks = 10_000  // Max lower-level blocks bundled into one L5 block
	MaxRequestSize   = 16 << 20
)

// FaultToleration is the number of storage failures a block may hit while
// its broadcast state is saved before it is rolled back one level.
const FaultToleration = 10
