package search

import (
	"fmt"
	"os"
	"path/filepath"

	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/google/uuid"

	appLog "github.com/Laisky/img-searcher/library/log"
)

// Dumper writes raw provider payloads to a local directory for offline
// inspection. Every method is best effort: failures are logged and
// swallowed, and a nil or disabled Dumper is a no-op.
type Dumper struct {
	dir    string
	logger logSDK.Logger
}

// NewDumper returns a Dumper rooted at dir, or a disabled one when dir is
// empty.
func NewDumper(dir string) *Dumper {
	return &Dumper{
		dir:    dir,
		logger: appLog.Logger.Named("debug_dump"),
	}
}

// Dump writes body as <engine>_<uuid>.<ext> under the dump directory.
func (d *Dumper) Dump(engine, ext string, body []byte) {
	if d == nil || d.dir == "" || len(body) == 0 {
		return
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		d.logger.Debug("create dump dir", zap.Error(err))
		return
	}

	name := fmt.Sprintf("%s_%s.%s", engine, uuid.NewString(), ext)
	path := filepath.Join(d.dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		d.logger.Debug("write dump file", zap.Error(err))
		return
	}

	d.logger.Debug("dumped raw response",
		zap.String("engine", engine),
		zap.String("path", path))
}
