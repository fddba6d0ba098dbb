package ctstatic

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
)

const localDir = "static/files/"

//go:embed files
var files embed.FS

// FileSystemHandler serves the local static/files/ dir if it exists,
// otherwise the embedded copy.
func FileSystemHandler() http.Handler {
	if info, err := os.Stat(localDir); err == nil && info.IsDir() {
		return http.FileServer(http.Dir(localDir))
	}
	sub, err := fs.Sub(files, "files")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}

func ReadAll(name string) ([]byte, error) {
	if info, err := os.Stat(localDir); err == nil && info.IsDir() {
		return os.ReadFile(localDir + name)
	}
	return files.ReadFile("files/" + name)
}
