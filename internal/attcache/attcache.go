// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package attcache stores outgoing attachment files and downloaded
// messages on local disk.
//
// Files live in a two level directory farm keyed by a hash of the
// owning account and message, so no directory grows too large.
package attcache

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	dirFileMode  = 0700
	fileFileMode = 0600

	pathFarm16 = "abcdefghijklmnop"

	attachmentsDir = "attachments"
	messagesDir    = "messages"
)

// Cache is a directory tree of cached files.
type Cache struct {
	root string
}

// New returns a cache rooted at root, creating the directory farms.
func New(root string) (*Cache, error) {
	if err := mkdirAll(root); err != nil {
		return nil, errors.Wrapf(err, "creating cache root %q", root)
	}
	for _, sub := range []string{attachmentsDir, messagesDir} {
		if err := mkdirfarm(filepath.Join(root, sub), 2); err != nil {
			return nil, errors.Wrapf(err, "creating cache farm under %q", root)
		}
	}
	return &Cache{root: root}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

// basename holds the fields encoded into a cache file or directory
// name.
type basename struct {
	// The owning account's email address.
	scope string

	// Identifies the object within scope.
	id string
}

// escape returns s with every byte outside the portable filename
// character set hex encoded as =XX.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// shouldEscape reports whether c is outside the alphanumeric subset
// of the Portable Filename Character Set (IEEE Std 1003.1-2017, 3.282).
// Dots are kept so file extensions stay readable.
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '.' {
		return false
	}
	return true
}

// encode returns the basename in a filename safe form, prefixed with
// "mailsync-1-" as a distinguisher followed by an encoding version.
func (b basename) encode() string {
	var sb strings.Builder
	const prefix = "mailsync-1-"
	sb.Grow(len(prefix) + len(b.scope) + len(b.id) + 1)
	sb.WriteString(prefix)
	sb.WriteString(escape(b.scope))
	sb.WriteRune('-')
	sb.WriteString(escape(b.id))
	return sb.String()
}

func mkdir(dir string) error {
	if err := os.Mkdir(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

func mkdirAll(dir string) error {
	return os.MkdirAll(dir, dirFileMode)
}

func mkdirfarm(path string, depth int) error {
	if err := mkdir(path); err != nil {
		return err
	}
	if depth == 0 {
		return nil
	}

	for i := 0; i < len(pathFarm16); i++ {
		path := filepath.Join(path, pathFarm16[i:i+1])
		if err := mkdirfarm(path, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func fingerprint(b []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(b)
	return hash.Sum32()
}

func pathParts(key string) []string {
	fp := fingerprint([]byte(key))
	nibble1 := fp & 0xf
	nibble2 := (fp >> 4) & 0xf
	return []string{pathFarm16[nibble1 : nibble1+1], pathFarm16[nibble2 : nibble2+1]}
}

func farmPath(kind, scope, id string) string {
	parts := append([]string{kind}, pathParts(scope+"/"+id)...)
	parts = append(parts, basename{scope: scope, id: id}.encode())
	return filepath.Join(parts...)
}

// AttachmentsDir returns the directory, relative to the cache root,
// holding the attachments of outbox message uid of account.
func AttachmentsDir(account string, uid uint32) string {
	return farmPath(attachmentsDir, account, fmt.Sprint(uid))
}

// PutAttachment copies r into the attachment directory of outbox
// message uid under name and returns the absolute file path.
func (c *Cache) PutAttachment(account string, uid uint32, name string, r io.Reader) (string, error) {
	dir := filepath.Join(c.root, AttachmentsDir(account, uid))
	if err := mkdir(dir); err != nil {
		return "", errors.Wrapf(err, "creating attachment dir for %s/%d", account, uid)
	}
	path := filepath.Join(dir, escape(name))
	if err := writeFile(path, r); err != nil {
		return "", errors.Wrapf(err, "caching attachment %q", name)
	}
	return path, nil
}

// Open opens a cached file by absolute path.  A missing file yields an
// error satisfying errors.Is(err, os.ErrNotExist).
func (c *Cache) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening cached file")
	}
	return f, nil
}

// RemoveDir removes a directory returned by AttachmentsDir.  Removing
// a missing directory is not an error.
func (c *Cache) RemoveDir(rel string) error {
	if rel == "" {
		return nil
	}
	abs := filepath.Join(c.root, rel)
	if !strings.HasPrefix(abs, filepath.Join(c.root, attachmentsDir)+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %q outside the attachment cache", rel)
	}
	return errors.Wrapf(os.RemoveAll(abs), "removing %q", rel)
}

func (c *Cache) messagePath(account, folder string, uid uint32) string {
	return filepath.Join(c.root, farmPath(messagesDir, account, fmt.Sprintf("%s/%d", folder, uid)))
}

// HaveMessage reports whether message uid of folder is cached.
func (c *Cache) HaveMessage(account, folder string, uid uint32) bool {
	_, err := os.Stat(c.messagePath(account, folder, uid))
	return err == nil
}

// InsertMessage caches raw as message uid of folder.
func (c *Cache) InsertMessage(account, folder string, uid uint32, raw []byte) error {
	if len(raw) == 0 {
		return errors.New("message has no content")
	}
	return writeFile(c.messagePath(account, folder, uid), strings.NewReader(string(raw)))
}

// Message returns the cached content of message uid of folder.
func (c *Cache) Message(account, folder string, uid uint32) ([]byte, error) {
	b, err := os.ReadFile(c.messagePath(account, folder, uid))
	return b, errors.Wrap(err, "reading cached message")
}

// writeFile writes r to path through a temporary file so readers
// never see a partial file.
func writeFile(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(fileFileMode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
