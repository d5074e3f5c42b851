package mirror

import (
	droidback "github.com/droidback/droidback/lib"

	"fmt"
	"io"
)

// Mirror receives a copy of each verified backup artifact. Mirroring is
// best-effort: the local copy is the canonical one, a mirror failure never
// fails the backup.
type Mirror interface {
	Store(name string, data io.Reader, size int64) error
}

func New(options *droidback.Options) (Mirror, error) {
	switch options.String["Type"] {
	case "s3":
		return newS3Mirror(options)
	case "ftp":
		return newFTPMirror(options)
	default:
		return nil, fmt.Errorf("invalid mirror type %v", options.String["Type"])
	}
}
