// Package storage provides the in-memory registry backend.
//
// MemoryBackend keeps registrations in maps guarded by a RWMutex. It is used
// for the "memory" store backend and by tests; nothing survives a restart.
package storage
