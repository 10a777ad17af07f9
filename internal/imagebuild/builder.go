package imagebuild

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/krystofrezac/stevedore/internal/failure"
	"github.com/opencontainers/go-digest"
)

const (
	ManagedLabel       = "dev.stevedore.managed"
	VariantLabel       = "dev.stevedore.variant"
	PlanDigestLabel    = "dev.stevedore.plan-digest"
	ContextDigestLabel = "dev.stevedore.context-digest"
)

// ImageAPI is the part of the Docker Engine client used for builds.
type ImageAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
}

type BuildRequest struct {
	ContextDir string
	Plan       BuildPlan
	// Defaults to the plan's ImageReference of Name.
	Tag  string
	Name string
	// The stevedore binary copied into the image as its entrypoint.
	// Defaults to the running executable.
	Entrypoint string
}

type BuildResult struct {
	Image         string
	PlanDigest    string
	ContextDigest string
	Packages      []string
}

type Builder struct {
	logger *slog.Logger
	docker ImageAPI
	output io.Writer
}

func NewBuilder(logger *slog.Logger, docker ImageAPI, output io.Writer) *Builder {
	if output == nil {
		output = io.Discard
	}
	return &Builder{logger: logger, docker: docker, output: output}
}

// preparedBuild is everything sent to the daemon for one build.
type preparedBuild struct {
	tag           string
	archive       *bytes.Buffer
	contextDigest digest.Digest
}

func prepare(req BuildRequest) (preparedBuild, error) {
	dockerfile, err := Render(req.Plan)
	if err != nil {
		return preparedBuild{}, err
	}

	entrypoint := req.Entrypoint
	if entrypoint == "" {
		entrypoint, err = os.Executable()
		if err != nil {
			return preparedBuild{}, fmt.Errorf("locate stevedore executable: %w", err)
		}
	}

	archive, contextDigest, err := contextArchive(req.ContextDir, req.Plan.Excluded, dockerfile, entrypoint)
	if err != nil {
		return preparedBuild{}, err
	}

	tag := req.Tag
	if tag == "" {
		tag = req.Plan.ImageReference(req.Name, contextDigest)
	}
	return preparedBuild{tag: tag, archive: archive, contextDigest: contextDigest}, nil
}

// Reference returns the tag Build would give the image of req, without
// contacting the daemon.
func Reference(req BuildRequest) (string, error) {
	prepared, err := prepare(req)
	if err != nil {
		return "", err
	}
	return prepared.tag, nil
}

func (b *Builder) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	prepared, err := prepare(req)
	if err != nil {
		return BuildResult{}, err
	}
	tag := prepared.tag
	logger := b.logger.With("image", tag, "variant", req.Plan.Variant.Name())

	logger.Info("Starting to build image", "packages", len(req.Plan.Packages()), "contextBytes", prepared.archive.Len())
	planDigest := req.Plan.Digest().String()
	res, err := b.docker.ImageBuild(ctx, prepared.archive, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			ManagedLabel:       "true",
			VariantLabel:       req.Plan.Variant.Name(),
			PlanDigestLabel:    planDigest,
			ContextDigestLabel: prepared.contextDigest.String(),
		},
	})
	if err != nil {
		return BuildResult{}, fmt.Errorf("%w: %w", failure.ErrBuildDependency, err)
	}
	defer res.Body.Close()

	// Failing build steps arrive as an error message in the stream, the
	// request itself succeeds.
	err = jsonmessage.DisplayJSONMessagesStream(res.Body, b.output, 0, false, nil)
	if err != nil {
		var streamErr *jsonmessage.JSONError
		if errors.As(err, &streamErr) || ctx.Err() == nil {
			return BuildResult{}, fmt.Errorf("%w: build %s: %w", failure.ErrBuildDependency, tag, err)
		}
		return BuildResult{}, ctx.Err()
	}

	logger.Info("Build finished", "planDigest", planDigest, "contextDigest", prepared.contextDigest)
	return BuildResult{
		Image:         tag,
		PlanDigest:    planDigest,
		ContextDigest: prepared.contextDigest.String(),
		Packages:      req.Plan.Packages(),
	}, nil
}

// contextArchive tars dir with the generated Dockerfile and the entrypoint
// binary. Paths in excluded are left out, so an unselected manifest never
// reaches the daemon. The digest covers names, modes and contents of what
// was archived, never modification times.
func contextArchive(dir string, excluded []string, dockerfile string, entrypoint string) (*bytes.Buffer, digest.Digest, error) {
	skip := map[string]bool{"Dockerfile": true, entrypointInTar: true}
	for _, path := range excluded {
		skip[filepath.ToSlash(filepath.Clean(path))] = true
	}

	var buf bytes.Buffer
	archive := newDigestingArchive(&buf)

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == "." {
			return nil
		}
		if skip[name] {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = name
		if err := archive.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return copyFile(archive, path)
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: build context %s: %w", failure.ErrBuildDependency, dir, err)
	}

	if err := writeFile(archive, "Dockerfile", []byte(dockerfile), 0o600); err != nil {
		return nil, "", err
	}
	binary, err := os.ReadFile(entrypoint)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read entrypoint binary: %w", failure.ErrBuildDependency, err)
	}
	if err := writeFile(archive, entrypointInTar, binary, 0o755); err != nil {
		return nil, "", err
	}

	if err := archive.Close(); err != nil {
		return nil, "", fmt.Errorf("close build context: %w", err)
	}
	return &buf, archive.Digest(), nil
}

// digestingArchive is a tar writer that also feeds every entry into a
// digester.
type digestingArchive struct {
	*tar.Writer
	digester digest.Digester
	content  io.Writer
}

func newDigestingArchive(w io.Writer) *digestingArchive {
	archive := &digestingArchive{Writer: tar.NewWriter(w), digester: digest.Canonical.Digester()}
	archive.content = io.MultiWriter(archive.Writer, archive.digester.Hash())
	return archive
}

func (a *digestingArchive) WriteHeader(header *tar.Header) error {
	fmt.Fprintf(a.digester.Hash(), "%c %s %o %d\n", header.Typeflag, header.Name, header.Mode, header.Size)
	return a.Writer.WriteHeader(header)
}

func (a *digestingArchive) Write(p []byte) (int, error) {
	return a.content.Write(p)
}

func (a *digestingArchive) Digest() digest.Digest {
	return a.digester.Digest()
}

func writeFile(archive *digestingArchive, name string, data []byte, mode int64) error {
	err := archive.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(data)),
		Mode:     mode,
	})
	if err != nil {
		return fmt.Errorf("write tar header %s: %w", name, err)
	}
	if _, err := archive.Write(data); err != nil {
		return fmt.Errorf("write %s to tar: %w", name, err)
	}
	return nil
}

func copyFile(archive io.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(archive, file)
	return err
}
