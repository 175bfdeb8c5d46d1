package platform

import "golang.org/x/sys/unix"

// MAP_NORESERVE keeps multi-gigabyte reservations from counting against the
// overcommit limit.
const reserveFlags = unix.MAP_ANON | unix.MAP_PRIVATE | unix.MAP_NORESERVE
