package fileutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/option/content"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

// FileInfo describes a file found while walking a directory tree.
type FileInfo struct {
	Path string
	Name string
	Size int64
}

func ReadFileBytes(filename string) ([]byte, error) {
	file, err := fileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, file.Close())
	}(file)

	buf := &bytes.Buffer{}
	_, readErr := io.Copy(buf, file)
	if readErr != nil {
		return nil, readErr
	}
	return buf.Bytes(), err
}

func OpenFile(ctx context.Context, filename string) (io.ReadCloser, error) {
	return fileSystem.OpenURL(ctx, filename)
}

// ReadLine returns a single line (without the ending \n) from the buffered reader,
// avoiding bufio.Scanner's token size limit.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var (
		isPrefix = true
		err      error
		line, ln []byte
	)
	for isPrefix && err == nil {
		line, isPrefix, err = r.ReadLine()
		ln = append(ln, line...)
	}
	return ln, err
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		path = filepath.Join(elem...)
	}
	return path
}

func CopyFile(ctx context.Context, from string, to string) error {
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

// MoveFile moves a single file, creating the destination parent if needed.
func MoveFile(ctx context.Context, from string, to string) error {
	if err := CreateDir(ctx, filepath.Dir(to)); err != nil {
		return err
	}
	return fileSystem.Move(ctx, from, to)
}

func DeleteFile(ctx context.Context, filename string) error {
	return fileSystem.Delete(ctx, filename)
}

// CreateDir creates the directory and its parents. An existing directory is not an error.
func CreateDir(ctx context.Context, dir string) error {
	exists, err := FileExists(ctx, dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return fileSystem.Create(ctx, dir, os.ModePerm, true)
}

func FileExists(ctx context.Context, filename string) (bool, error) {
	return fileSystem.Exists(ctx, filename)
}

// WalkFiles returns every regular file below root, at any depth.
func WalkFiles(ctx context.Context, root string) ([]FileInfo, error) {
	var files []FileInfo
	walker := func(_ context.Context, baseURL string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if info.IsDir() {
			return true, nil
		}
		files = append(files, FileInfo{
			Path: PathJoinSafe(root, parent, info.Name()),
			Name: info.Name(),
			Size: info.Size(),
		})
		return true, nil
	}
	if err := fileSystem.Walk(ctx, root, walker); err != nil {
		return nil, err
	}
	return files, nil
}

// ListFiles returns the regular files directly inside dir.
func ListFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	objects, err := fileSystem.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	var files []FileInfo
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		files = append(files, FileInfo{
			Path: PathJoinSafe(dir, object.Name()),
			Name: object.Name(),
			Size: object.Size(),
		})
	}
	return files, nil
}

func NewFileWriter(ctx context.Context, filename string, contentType string) (io.WriteCloser, error) {
	exists, err := FileExists(ctx, filename)
	if err != nil {
		return nil, err
	}
	if exists {
		err = fileSystem.Delete(ctx, filename)
		if err != nil {
			return nil, err
		}
	}
	if contentType != "" {
		return fileSystem.NewWriter(ctx, filename, 0o644, content.NewMeta(content.Type, contentType), option.NewSkipChecksum(true))
	}
	return fileSystem.NewWriter(ctx, filename, 0o644, option.NewSkipChecksum(true))
}

// WriteFile replaces filename with data.
func WriteFile(ctx context.Context, filename string, data []byte) (err error) {
	writer, err := NewFileWriter(ctx, filename, "")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()
	_, err = writer.Write(data)
	return err
}
