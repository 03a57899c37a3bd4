package core

import (
	"crypto/md5"
	"encoding/binary"
)

// Bucket maps (flagKey, userID) to a stable position in [0,100). The same
// inputs always produce the same bucket, across processes and over time, so a
// user's rollout inclusion never flaps.
//
// The digest is pinned to MD5 over "<flagKey>:<userID>", taking the first
// four bytes big-endian modulo 100. Changing the digest reshuffles every
// user's bucket for every flag; treat that as a data migration, not a
// refactor.
func Bucket(flagKey, userID string) int {
	sum := md5.Sum([]byte(flagKey + ":" + userID))
	return int(binary.BigEndian.Uint32(sum[:4]) % 100)
}
