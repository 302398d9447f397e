package state

import "encoding/binary"

var (
	bidCountKey    = []byte("bidding/bid-count")
	bidPrefix      = []byte("bidding/bid/")
	borrowerPrefix = []byte("bidding/borrower/")
	subjectPrefix  = []byte("bidding/subject/")

	nftTokenCountKey = []byte("nft/token-count")
	nftTokenPrefix   = []byte("nft/token/")
	nftOwnerPrefix   = []byte("nft/owner/")
)

func prefixedKey(prefix []byte, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return buf
}

func bidKey(id uint64) []byte {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], id)
	return prefixedKey(bidPrefix, idBytes[:])
}

func borrowerKey(addr [20]byte) []byte {
	return prefixedKey(borrowerPrefix, addr[:])
}

func subjectKey(id string) []byte {
	return prefixedKey(subjectPrefix, []byte(id))
}

func nftTokenKey(id string) []byte {
	return prefixedKey(nftTokenPrefix, []byte(id))
}

func nftOwnerKey(owner [20]byte) []byte {
	return prefixedKey(nftOwnerPrefix, owner[:])
}
