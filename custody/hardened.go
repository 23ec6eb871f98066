//go:build hardened

package custody

// DefaultHardened is true in production builds: secrets are only ever kept in
// the secure enclave.
const DefaultHardened = true
