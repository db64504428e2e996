package evidence

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Input content domains. Domain separation ensures the same bytes hash
// differently as a diff, a file list, or a document, preventing
// cross-domain collisions in evidence bundles. The byte values are the
// ASCII domain name zero-padded to 32 bytes, so the keys stay
// inspectable in hex dumps.
var (
	diffDomainKey = [32]byte{
		'm', 'e', 'r', 'g', 'e', 'g', 'a', 't', 'e', '.', 'e', 'v', 'i', 'd', 'e', 'n',
		'c', 'e', '.', 'd', 'i', 'f', 'f', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	fileListDomainKey = [32]byte{
		'm', 'e', 'r', 'g', 'e', 'g', 'a', 't', 'e', '.', 'e', 'v', 'i', 'd', 'e', 'n',
		'c', 'e', '.', 'f', 'i', 'l', 'e', 'l', 'i', 's', 't', 0, 0, 0, 0, 0,
	}

	documentDomainKey = [32]byte{
		'm', 'e', 'r', 'g', 'e', 'g', 'a', 't', 'e', '.', 'e', 'v', 'i', 'd', 'e', 'n',
		'c', 'e', '.', 'd', 'o', 'c', 'u', 'm', 'e', 'n', 't', 0, 0, 0, 0, 0,
	}
)

// HashDiff returns the diff-domain content hash of a change diff.
func HashDiff(data []byte) string { return keyedHash(diffDomainKey, data) }

// HashFileList returns the filelist-domain content hash. Callers must
// pass a canonical (sorted, newline-joined) rendering of the list.
func HashFileList(data []byte) string { return keyedHash(fileListDomainKey, data) }

// HashDocument returns the document-domain content hash of doc content.
func HashDocument(data []byte) string { return keyedHash(documentDomainKey, data) }

func keyedHash(key [32]byte, data []byte) string {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a key of the wrong length.
		panic("evidence: bad blake3 domain key: " + err.Error())
	}
	h.Write(data)
	return "blake3:" + hex.EncodeToString(h.Sum(nil))
}
