// Command lfsdump mounts a flashtree image read-only and prints a JSON
// tree of its contents, the equivalent of the teacher's json.Marshal use
// in its own fileInfo persistence but pointed at rendering a traversal
// for a human instead of storing it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/flashtree/flashtree/fs"
	"github.com/flashtree/flashtree/internal/bd"
)

type node struct {
	Name     string  `json:"name"`
	Dir      bool    `json:"dir"`
	Size     uint32  `json:"size,omitempty"`
	Children []*node `json:"children,omitempty"`
}

func main() {
	path := flag.String("image", "", "path to a flashtree image file")
	blockSize := flag.Uint("block-size", 4096, "block size in bytes")
	blockCount := flag.Uint("block-count", 256, "number of blocks in the image")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "lfsdump: -image is required")
		os.Exit(2)
	}

	// bd.OpenFile creates or resizes a file that is missing or the wrong
	// length, so check the image first to leave it untouched.
	st, err := os.Stat(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lfsdump: %v\n", err)
		os.Exit(1)
	}
	if want := int64(*blockSize) * int64(*blockCount); st.Size() != want {
		fmt.Fprintf(os.Stderr, "lfsdump: image is %d bytes, block-size*block-count is %d\n", st.Size(), want)
		os.Exit(1)
	}

	dev, err := bd.OpenFile(*path, 16, 16, uint32(*blockSize), uint32(*blockCount))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lfsdump: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	fsys, errno := fs.Mount(&fs.Config{Device: dev})
	if errno != fs.OK {
		fmt.Fprintf(os.Stderr, "lfsdump: mount failed: %v\n", errno)
		os.Exit(1)
	}
	defer fsys.Unmount()

	root, err := walk(fsys, fs.Root, "/")
	if err != nil {
		fmt.Fprintf(os.Stderr, "lfsdump: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(root); err != nil {
		fmt.Fprintf(os.Stderr, "lfsdump: %v\n", err)
		os.Exit(1)
	}
}

func walk(fsys *fs.FileSystem, p fs.P, name string) (*node, error) {
	n := &node{Name: name, Dir: true}

	d, errno := fsys.OpenDir(p)
	if errno != fs.OK {
		return nil, fmt.Errorf("opendir %s: %v", p, errno)
	}
	defer d.Close()

	for {
		info, ok := d.Readdir()
		if !ok {
			break
		}
		childPath := append(append(fs.P(nil), p...), info.Name)
		if info.Dir {
			child, err := walk(fsys, childPath, info.Name)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
			continue
		}
		n.Children = append(n.Children, &node{Name: info.Name, Size: info.Size})
	}
	return n, nil
}
