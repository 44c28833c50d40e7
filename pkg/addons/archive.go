package addons

import (
	"github.com/sirupsen/logrus"

	"github.com/fidiego/proxylite/pkg/flow"
)

// Saver persists records. *archive.Archive satisfies it.
type Saver interface {
	Save(rec flow.Record) error
}

// ArchiveAddon copies every request and completed response into a Saver.
// Store resets are not propagated; the archive outlives the session.
type ArchiveAddon struct {
	saver Saver
	log   *logrus.Entry
}

func NewArchiveAddon(saver Saver, log *logrus.Logger) *ArchiveAddon {
	if log == nil {
		log = logrus.New()
	}
	return &ArchiveAddon{saver: saver, log: log.WithField("component", "archive")}
}

func (a *ArchiveAddon) OnRequest(rec flow.Record)  { a.save(rec) }
func (a *ArchiveAddon) OnResponse(rec flow.Record) { a.save(rec) }

func (a *ArchiveAddon) save(rec flow.Record) {
	if err := a.saver.Save(rec); err != nil {
		a.log.WithField("identity", rec.Identity).Warnf("Failed to archive flow: %v", err)
	}
}
