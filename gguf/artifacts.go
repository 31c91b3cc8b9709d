// Package gguf arranges GGUF exports on disk and drives the llama.cpp tools that convert and split them.
package gguf

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/phuslu/log"

	"github.com/film69/fastmodel/util/fileutil"
)

// Dir is the name of the export subdirectory.
const Dir = "GGUF"

const bytesPerGB = 1024 * 1024 * 1024

type Artifact struct {
	Path   string
	Name   string
	SizeGB float64
}

// ListArtifacts returns every file below dir, at any depth.
func ListArtifacts(ctx context.Context, dir string) ([]Artifact, error) {
	files, err := fileutil.WalkFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	artifacts := make([]Artifact, 0, len(files))
	for _, f := range files {
		artifacts = append(artifacts, Artifact{Path: f.Path, Name: f.Name, SizeGB: float64(f.Size) / bytesPerGB})
	}
	return artifacts, nil
}

// MaxSizeGB is the size of the largest artifact, 0 for none.
func MaxSizeGB(artifacts []Artifact) float64 {
	var largest float64
	for _, a := range artifacts {
		largest = max(largest, a.SizeGB)
	}
	return largest
}

// Relocate moves every file below modelDir whose name contains marker into modelDir/GGUF,
// replacing the marker with modelName. It returns the new paths.
func Relocate(ctx context.Context, modelDir string, marker string, modelName string) ([]string, error) {
	if marker == "" {
		return nil, fmt.Errorf("artifact marker must not be empty")
	}
	exportDir := fileutil.PathJoinSafe(modelDir, Dir)
	if err := fileutil.CreateDir(ctx, exportDir); err != nil {
		return nil, err
	}
	files, err := fileutil.WalkFiles(ctx, modelDir)
	if err != nil {
		return nil, err
	}
	var moved []string
	for _, f := range files {
		if !strings.Contains(f.Name, marker) {
			continue
		}
		target := fileutil.PathJoinSafe(exportDir, strings.ReplaceAll(f.Name, marker, modelName))
		if err = fileutil.MoveFile(ctx, f.Path, target); err != nil {
			return moved, fmt.Errorf("moving %s: %w", f.Path, err)
		}
		log.Info().Str("path", target).Msg("saved")
		moved = append(moved, target)
	}
	return moved, nil
}

// RemoveOriginals deletes the regular files directly inside modelDir. Subdirectories, the
// export directory included, are left alone.
func RemoveOriginals(ctx context.Context, modelDir string) error {
	files, err := fileutil.ListFiles(ctx, modelDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err = fileutil.DeleteFile(ctx, f.Path); err != nil {
			return fmt.Errorf("removing %s: %w", f.Path, err)
		}
	}
	return nil
}

// Scheme returns the quantization scheme encoded in an artifact name: the component before the
// extension, "Q4_K_M" for "model.Q4_K_M.gguf". It is empty when the name has no such component.
func Scheme(name string) string {
	parts := strings.Split(filepath.Base(name), ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}

// PartitionBySchemes moves each artifact into exportDir/<scheme>/. Artifacts without a scheme stay
// where they are. It returns the artifacts with their new paths.
func PartitionBySchemes(ctx context.Context, exportDir string, artifacts []Artifact) ([]Artifact, error) {
	partitioned := make([]Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		scheme := Scheme(a.Name)
		if scheme == "" {
			log.Debug().Str("path", a.Path).Msg("artifact has no scheme, leaving it in place")
			partitioned = append(partitioned, a)
			continue
		}
		target := fileutil.PathJoinSafe(exportDir, scheme, a.Name)
		if target != a.Path {
			if err := fileutil.MoveFile(ctx, a.Path, target); err != nil {
				return partitioned, fmt.Errorf("moving %s: %w", a.Path, err)
			}
		}
		a.Path = target
		partitioned = append(partitioned, a)
	}
	return partitioned, nil
}

// Publish copies every file below exportDir to destURL, keeping the relative layout. destURL
// can be a local path or any URL the file system layer supports, such as s3://bucket/prefix.
func Publish(ctx context.Context, exportDir string, destURL string) ([]string, error) {
	files, err := fileutil.WalkFiles(ctx, exportDir)
	if err != nil {
		return nil, err
	}
	base := filepath.Clean(exportDir)
	var published []string
	for _, f := range files {
		relative, relErr := filepath.Rel(base, filepath.Clean(f.Path))
		if relErr != nil {
			return published, relErr
		}
		target := fileutil.PathJoinSafe(destURL, relative)
		if err = fileutil.CopyFile(ctx, f.Path, target); err != nil {
			return published, fmt.Errorf("publishing %s: %w", f.Path, err)
		}
		published = append(published, target)
	}
	log.Info().Str("destination", destURL).Int("files", len(published)).Msg("published")
	return published, nil
}
