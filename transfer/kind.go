package transfer

import "fmt"

// Kind is the direction of a queue.
type Kind uint8

const (
	KindDownload Kind = iota
	KindUpload
	KindCopy
	KindSync
)

func (k Kind) String() string {
	switch k {
	case KindDownload:
		return "download"
	case KindUpload:
		return "upload"
	case KindCopy:
		return "copy"
	case KindSync:
		return "sync"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Verb is used in progress messages, e.g. "Downloading".
func (k Kind) Verb() string {
	switch k {
	case KindDownload:
		return "Downloading"
	case KindUpload:
		return "Uploading"
	case KindCopy:
		return "Copying"
	case KindSync:
		return "Synchronizing"
	default:
		return "Transferring"
	}
}

// ParseKind parses the names produced by String.
func ParseKind(s string) (Kind, error) {
	for k := KindDownload; k <= KindSync; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown transfer kind %q", s)
}

// Options are the per-run switches handed to filters.
type Options struct {
	// Resume continues partially transferred files from their existing length.
	Resume bool
}
