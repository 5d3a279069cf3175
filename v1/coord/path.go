package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	zlockerrors "github.com/mirkobrombin/go-zlock/v1/errors"
)

// SequenceWidth is the number of zero-padded digits appended to sequential
// node names.
const SequenceWidth = 10

// FormatSequence renders n the way sequential names carry it.
func FormatSequence(n int64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, n)
}

// Sequence extracts the counter of a sequential node name created with the
// given prefix. It returns false for names that do not match.
func Sequence(name, prefix string) (int64, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	suffix := name[len(prefix):]
	if len(suffix) != SequenceWidth {
		return 0, false
	}
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Validate checks that path is absolute, has no empty segments and no
// trailing slash. The root "/" is valid.
func Validate(path string) error {
	if path == "/" {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: path %q must start with /", zlockerrors.ErrInvalidArgument, path)
	}
	for _, seg := range strings.Split(path[1:], "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: malformed path %q", zlockerrors.ErrInvalidArgument, path)
		}
	}
	return nil
}

// Join appends name to parent.
func Join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Parent returns the parent of path. The parent of a top-level node is "/".
func Parent(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// Base returns the last segment of path.
func Base(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}

// EnsurePath creates path and any missing ancestors as persistent nodes.
// Nodes that already exist are left alone, so concurrent callers converge.
func EnsurePath(ctx context.Context, c Client, path string) error {
	if err := Validate(path); err != nil {
		return err
	}
	if path == "/" {
		return nil
	}
	cur := ""
	for _, seg := range strings.Split(path[1:], "/") {
		cur += "/" + seg
		if _, err := c.Create(ctx, cur, Persistent); err != nil && !errors.Is(err, zlockerrors.ErrNodeExists) {
			return fmt.Errorf("zlock: ensure %s: %w", cur, err)
		}
	}
	return nil
}
