// Package secure provides memory-safe handling of sensitive data.
//
// It wraps the memguard library so that plaintext credential material is
// encrypted at rest in memory (XSalsa20Poly1305), protected from swapping
// via mlock, wiped on destruction, and guarded against overflow by guard
// pages.
//
// Create a buffer from sensitive bytes:
//
//	buf := secure.NewBuffer(report)
//	defer buf.Destroy()
//
//	locked, err := buf.Open()
//	if err != nil {
//	    // handle error
//	}
//	defer locked.Destroy()
//	// use locked.Bytes()
//
// If mlock is unavailable (e.g. RLIMIT_MEMLOCK), memguard degrades to
// standard allocation. This package does not protect against an attacker
// with root on the running host, which also holds the secret files this
// tool writes.
package secure
