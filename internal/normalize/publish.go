package normalize

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// OverwritePolicy decides what happens when a canonical file name is taken.
type OverwritePolicy string

const (
	// OverwriteSuffix keeps the existing file and appends -2, -3... to the new
	// one.
	OverwriteSuffix OverwritePolicy = "suffix"
	// OverwriteReplace replaces the existing file.
	OverwriteReplace OverwritePolicy = "replace"
)

func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch OverwritePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", OverwriteSuffix:
		return OverwriteSuffix, nil
	case OverwriteReplace:
		return OverwriteReplace, nil
	}
	return "", fmt.Errorf("unknown overwrite policy %q (expected suffix or replace)", s)
}

// TempPrefix marks files that are still being written, listings skip them.
const TempPrefix = ".tmp-"

// publish writes a file through a temp file in dir and only then makes it
// visible as base+ext, so a canonical path never holds a partial file.
// It returns the published path and whether an existing file was replaced.
func (n *Normalizer) publish(base, ext string, write func(w io.Writer) error) (string, bool, error) {
	tmp, err := os.CreateTemp(n.dir, TempPrefix+"*"+ext)
	if err != nil {
		return "", false, err
	}
	tmpName := tmp.Name()
	// after a link the temp is a second name for the file, after a rename it
	// is gone, either way removing it is right
	defer os.Remove(tmpName)

	err = write(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n.beforePublish != nil {
		err = n.beforePublish(tmpName)
	}
	if err != nil {
		return "", false, err
	}

	if n.policy == OverwriteReplace {
		dst := filepath.Join(n.dir, base+ext)
		_, statErr := os.Lstat(dst)
		replaced := statErr == nil
		err = os.Rename(tmpName, dst)
		if err != nil {
			return "", false, err
		}
		return dst, replaced, nil
	}

	for i := 1; ; i++ {
		name := base + ext
		if i > 1 {
			name = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		dst := filepath.Join(n.dir, name)
		// link fails when dst exists, unlike rename
		err = os.Link(tmpName, dst)
		if err == nil {
			return dst, false, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", false, err
		}
	}
}
