// Package userdata implements the user-data bridge: the codec for the QoS
// user-data octet string carried by every DDS endpoint, and the discovery-
// time matcher predicate that decides whether a writer/reader pairing is
// allowed to exchange data.
package userdata

import (
	"fmt"
	"strconv"
	"strings"
)

// Encode renders ownID and denyList as the wire octet string:
// "<ownId hex>-<denyId hex>,<denyId hex>,…". The trailing hyphen is always
// present, even when denyList is empty.
func Encode(ownID uint64, denyList []uint64) string {
	parts := make([]string, len(denyList))
	for i, id := range denyList {
		parts[i] = fmt.Sprintf("%x", id)
	}
	return fmt.Sprintf("%x-%s", ownID, strings.Join(parts, ","))
}

// Decode is the inverse of Encode.
func Decode(s string) (ownID uint64, denyList []uint64, err error) {
	own, rest, _ := strings.Cut(s, "-")
	ownID, err = strconv.ParseUint(own, 16, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("userdata: own id: %w", err)
	}
	if rest == "" {
		return ownID, nil, nil
	}
	for _, tok := range strings.Split(rest, ",") {
		id, err := strconv.ParseUint(tok, 16, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("userdata: deny list entry %q: %w", tok, err)
		}
		denyList = append(denyList, id)
	}
	return ownID, denyList, nil
}

func contains(list []uint64, id uint64) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// Allowed is the discovery-time matcher predicate, evaluated for every
// writer/reader pairing. Access is granted iff the writer's own id is not
// in the reader's deny list and the reader's own id is not in the writer's
// deny list. Malformed user-data denies by default.
func Allowed(writerUserData, readerUserData string) bool {
	writerOwn, writerDeny, err := Decode(writerUserData)
	if err != nil {
		return false
	}
	readerOwn, readerDeny, err := Decode(readerUserData)
	if err != nil {
		return false
	}
	if contains(readerDeny, writerOwn) {
		return false
	}
	if contains(writerDeny, readerOwn) {
		return false
	}
	return true
}
