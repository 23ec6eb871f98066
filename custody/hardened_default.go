//go:build !hardened

package custody

// DefaultHardened is false in development builds: the plaintext fallback tier
// may be used when no secure enclave is available.
const DefaultHardened = false
