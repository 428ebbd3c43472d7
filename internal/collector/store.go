package collector

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Store keeps screenshot files under root/<course>/<quiz>/<name>.png
type Store struct {
	root string
}

// NewStore creates a new screenshot store
func NewStore(root string) (*Store, error) {
	// Create storage directory if it doesn't exist
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &Store{root: root}, nil
}

// Save writes a screenshot and returns its path relative to the root
func (s *Store) Save(courseID, quizID int64, name string, data []byte) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid screenshot name %q", name)
	}

	rel := filepath.Join(strconv.FormatInt(courseID, 10), strconv.FormatInt(quizID, 10), name+".png")
	full := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create quiz directory: %w", err)
	}

	// Write then rename so readers never see a partial file
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit screenshot: %w", err)
	}

	return rel, nil
}

// Open returns a reader for a stored screenshot
func (s *Store) Open(rel string) (*os.File, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// Delete removes a stored screenshot
func (s *Store) Delete(rel string) error {
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete screenshot: %w", err)
	}
	return nil
}

// Archive writes a tar.gz of the given screenshots to w
func (s *Store) Archive(w io.Writer, rels []string) error {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	for _, rel := range rels {
		if err := s.addToArchive(tarWriter, rel); err != nil {
			return fmt.Errorf("failed to archive %s: %w", rel, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

func (s *Store) addToArchive(tw *tar.Writer, rel string) error {
	file, err := s.Open(rel)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	// Create tar header
	header, err := tar.FileInfoHeader(info, info.Name())
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	header.ModTime = info.ModTime().Truncate(time.Second)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// resolve maps a relative path into the root, refusing escapes
func (s *Store) resolve(rel string) (string, error) {
	full := filepath.Join(s.root, rel)
	back, err := filepath.Rel(s.root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes store", rel)
	}
	return full, nil
}
