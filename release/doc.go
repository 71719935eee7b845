// Package release orchestrates the switch protocol on top of the quorum
// transport: the owner creates and checks in, guardians release their shares
// once the owner goes silent, and the recipient recombines and decrypts.
//
// Every participant derives the switch state independently from signed
// events; no party trusts another's view.
//
// Events published per switch:
//
//	message-storage (owner)     d=<id>      ciphertext, commitment, sealed tag keys
//	share-storage (owner)       d=<id>:<i>  share i sealed to guardian i
//	heartbeat (owner)           d=<id>      status=armed|cancelled
//	guardian-ack (guardian)     d=<id>:<i>  share received
//	share-release (guardian)    d=<id>:<i>  share i sealed to the recipient
package release
