// Package sharednote implements a two-party shared note on a commitment/nullifier ledger.
//
// Overview:
//   - One party creates a single-use shared note addressed to a counterparty
//   - Both parties receive a sealed copy of the note; either may redeem it exactly once
//   - Redemption nullifies both copies in one transition, after which the note can be created again
//
// Security Model:
//   - MiMC (BW6-761 scalar field) for commitments, nullifiers and account addresses
//   - BLS12-377 Diffie-Hellman with an ephemeral key per copy, HKDF-BLAKE3 and ChaCha20-Poly1305 for sealing
//   - The shared key nullifier is a fresh random field element known only to the two owners
//   - Nullifiers are derived from the commitment and the shared key nullifier, so both owners
//     derive the same pair and the pair does not reveal who redeemed
//
// Usage:
//   - Build transitions client-side with Contract.CreateAndShareNote, RedeemByRecipient and RedeemBySender
//   - Re-validate them at inclusion time with Apply
//   - Derive contract instance addresses with DeriveAddress before deployment
package sharednote
