package archive

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Reader answers tile and metadata queries for the projects of a Store. Each
// query opens the archive for its own duration; there is no shared handle to
// invalidate when a project is rebuilt.
type Reader struct {
	store  *Store
	logger logrus.FieldLogger
}

// NewReader returns a Reader over store.
func NewReader(store *Store, logger logrus.FieldLogger) *Reader {
	return &Reader{store: store, logger: logger}
}

// Store returns the underlying store.
func (r *Reader) Store() *Store {
	return r.store
}

// Open opens the published archive of projectID. The caller closes it.
func (r *Reader) Open(projectID string) (*Archive, error) {
	if !ValidProjectID(projectID) {
		return nil, ErrNotFound
	}
	a, err := Open(r.store.Path(projectID))
	if err != nil {
		return nil, r.report(projectID, err)
	}
	return a, nil
}

// Tile returns the payload at XYZ address (z, x, y) of projectID.
func (r *Reader) Tile(ctx context.Context, projectID string, z, x, y int) ([]byte, error) {
	a, err := r.Open(projectID)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	data, err := a.Tile(ctx, z, x, y)
	if err != nil {
		return nil, r.report(projectID, err)
	}
	return data, nil
}

// Metadata returns the metadata table of projectID.
func (r *Reader) Metadata(ctx context.Context, projectID string) (map[string]string, error) {
	a, err := r.Open(projectID)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	md, err := a.Metadata(ctx)
	if err != nil {
		return nil, r.report(projectID, err)
	}
	return md, nil
}

// Projects lists the published archives.
func (r *Reader) Projects() ([]Project, error) {
	return r.store.List()
}

func (r *Reader) report(projectID string, err error) error {
	if errors.Is(err, ErrCorrupt) {
		r.logger.WithField("project", projectID).WithError(err).
			Error("archive is not readable, it was either published from a failed build or damaged on disk")
	}
	return err
}
