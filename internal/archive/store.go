package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
)

var validProjectID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidProjectID reports whether id can name an archive file. Ids are a single
// path segment so they can never escape the store directory.
func ValidProjectID(id string) bool {
	return validProjectID.MatchString(id) && !strings.Contains(id, "..")
}

// Project is an archive present in the store.
type Project struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// Info describes a published archive file.
type Info struct {
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Store maps project ids to archive files in one directory. It is the only
// place that knows the {projectId}.mbtiles naming convention.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "create store directory %s", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Filename returns the archive file name for projectID.
func (s *Store) Filename(projectID string) string {
	return projectID + Ext
}

// Path returns the canonical archive path for projectID.
func (s *Store) Path(projectID string) string {
	return filepath.Join(s.dir, s.Filename(projectID))
}

// Exists reports whether a published archive exists for projectID.
func (s *Store) Exists(projectID string) bool {
	if !ValidProjectID(projectID) {
		return false
	}
	fi, err := os.Stat(s.Path(projectID))
	return err == nil && fi.Mode().IsRegular()
}

// Stat describes the published archive of projectID.
func (s *Store) Stat(projectID string) (Info, error) {
	if !ValidProjectID(projectID) {
		return Info{}, ErrNotFound
	}
	fi, err := os.Stat(s.Path(projectID))
	if os.IsNotExist(err) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, errors.Wrapf(err, "stat archive of project %s", projectID)
	}
	return Info{
		Filename: fi.Name(),
		Size:     fi.Size(),
		// archives are published by rename, so the modification time is the
		// moment the file was created by the engine
		Created:  fi.ModTime(),
		Modified: fi.ModTime(),
	}, nil
}

// List enumerates published archives, sorted by project id. Temporary build
// outputs are hidden files and never listed.
func (s *Store) List() ([]Project, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return []Project{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read store directory %s", s.dir)
	}
	projects := make([]Project, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, Ext) {
			continue
		}
		id := strings.TrimSuffix(name, Ext)
		if !ValidProjectID(id) {
			continue
		}
		projects = append(projects, Project{
			ID:       id,
			Filename: name,
			Path:     filepath.Join(s.dir, name),
		})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

// Remove deletes the archive of projectID. Readers holding the file open keep
// reading the unlinked inode until they close it.
func (s *Store) Remove(projectID string) error {
	if !ValidProjectID(projectID) {
		return ErrNotFound
	}
	err := os.Remove(s.Path(projectID))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return errors.Wrapf(err, "remove archive of project %s", projectID)
}

// TempPath returns a fresh hidden path in the store directory for a build of
// projectID. It lives on the same filesystem as the canonical path so that
// Publish is a rename.
func (s *Store) TempPath(projectID string) (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", errors.Wrap(err, "generate temp archive name")
	}
	return filepath.Join(s.dir, fmt.Sprintf(".%s.%s.tmp%s", projectID, id, Ext)), nil
}

// Publish atomically replaces the archive of projectID with the file at tmp.
func (s *Store) Publish(tmp, projectID string) error {
	if !ValidProjectID(projectID) {
		return errors.Errorf("invalid project id %q", projectID)
	}
	if err := os.Rename(tmp, s.Path(projectID)); err != nil {
		return errors.Wrapf(err, "publish archive of project %s", projectID)
	}
	return nil
}
