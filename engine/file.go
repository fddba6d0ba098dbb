package engine

import (
	"path/filepath"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
)

type File struct {
	Path      string
	Size      int64
	HumanSize string
}

func NewFile(path string, size int64) *File {
	return &File{Path: path, Size: size, HumanSize: humanize.Bytes(uint64(size))}
}

// filesFromInfo lists the files of a torrent, prefixed with the torrent
// name for multi-file torrents.
func filesFromInfo(info *metainfo.Info) []*File {
	if len(info.Files) == 0 {
		return []*File{NewFile(info.Name, info.Length)}
	}
	files := make([]*File, 0, len(info.Files))
	for _, fi := range info.Files {
		parts := append([]string{info.Name}, fi.Path...)
		files = append(files, NewFile(filepath.Join(parts...), fi.Length))
	}
	return files
}
