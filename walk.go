package sftpc

import (
	"path"

	"github.com/kr/fs"
)

// Walk returns a new Walker rooted at root that lazily traverses the
// remote filesystem.
func (c *Client) Walk(root string) *fs.Walker {
	return fs.WalkFS(root, c)
}

// Join joins any number of path elements into a single path, separating
// them with slashes. Together with ReadDir and Lstat it satisfies the
// fs.FileSystem interface used by Walk.
func (c *Client) Join(elem ...string) string {
	return path.Join(elem...)
}
