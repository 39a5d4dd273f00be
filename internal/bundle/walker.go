package bundle

import (
	"fmt"
	"os"
	"path/filepath"
)

// MaxWalkDepth bounds directory nesting below the walk root.
const MaxWalkDepth = 256

type walkFrame struct {
	dir     string
	entries []os.DirEntry
	next    int
}

// Walk returns the absolute paths of every regular file under root in
// depth-first pre-order, each directory's entries sorted by name. Symlinks
// and other non-regular entries are skipped and never followed.
func Walk(root string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, ioError("walk", root, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, ioError("stat", abs, err)
	}
	if !fi.IsDir() {
		return nil, ioError("walk", abs, fmt.Errorf("not a directory"))
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, ioError("readdir", abs, err)
	}

	var files []string
	stack := []*walkFrame{{dir: abs, entries: entries}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next >= len(top.entries) {
			stack = stack[:len(stack)-1]
			continue
		}
		e := top.entries[top.next]
		top.next++

		p := filepath.Join(top.dir, e.Name())
		switch t := e.Type(); {
		case t.IsDir():
			if len(stack) > MaxWalkDepth {
				return nil, ioError("walk", p, fmt.Errorf("directory depth exceeds %d", MaxWalkDepth))
			}
			sub, err := os.ReadDir(p)
			if err != nil {
				return nil, ioError("readdir", p, err)
			}
			stack = append(stack, &walkFrame{dir: p, entries: sub})
		case t.IsRegular():
			files = append(files, p)
		}
	}
	return files, nil
}
