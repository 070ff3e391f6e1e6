package mgmt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/selfcloud/selfcloud/app/container"
	"github.com/selfcloud/selfcloud/app/store"
)

// uploadChunks bounds the intake pipeline, the multipart reader blocks when
// docker consumes slower than the client sends
const uploadChunks = 5

// imageUploadCtrl - POST /api/v1/image, multipart with token, project_id and
// the image tar. The image part has to stream last, the order of the other two
// doesn't matter. Authorized by the project upload token, not the session.
func (s *Server) imageUploadCtrl(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		sendError(w, fmt.Errorf("not a multipart request: %v: %w", err, store.ErrInvalidInput))
		return
	}

	var token, projectID string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sendError(w, fmt.Errorf("broken multipart stream: %v: %w", err, store.ErrInvalidInput))
			return
		}

		switch part.FormName() {
		case "token":
			if token, err = readField(part); err != nil {
				sendError(w, err)
				return
			}
		case "project_id":
			if projectID, err = readField(part); err != nil {
				sendError(w, err)
				return
			}
		case "image":
			s.importImage(r.Context(), w, token, projectID, part)
			return
		default:
			log.Printf("[DEBUG] ignored multipart field %q", part.FormName())
		}
	}

	sendError(w, fmt.Errorf("image part missing: %w", store.ErrInvalidInput))
}

// importImage validates the upload credentials and drives the tar stream into
// docker. Called with the multipart reader positioned at the image part.
func (s *Server) importImage(ctx context.Context, w http.ResponseWriter, token, projectID string, src io.Reader) {
	if token == "" || projectID == "" {
		sendError(w, fmt.Errorf("token and project_id have to come before the image: %w", store.ErrInvalidInput))
		return
	}
	id, err := uuid.Parse(projectID)
	if err != nil {
		sendError(w, fmt.Errorf("bad project id %q: %w", projectID, store.ErrInvalidInput))
		return
	}
	if err := s.Registry.ValidateToken(id, token); err != nil {
		sendError(w, err)
		return
	}

	loaded, err := s.loadImage(ctx, src)
	if err != nil {
		log.Printf("[WARN] image import for project %s failed, %v", id, err)
		http.Error(w, "image import failed", http.StatusBadGateway)
		return
	}

	target := container.ImageName(id)
	if err := s.Engine.TagImage(ctx, loaded, target); err != nil {
		// the import went through but the image is not usable under the
		// project tag, the next upload overwrites it
		log.Printf("[ERROR] failed to tag %s as %s, %v", loaded, target, err)
		http.Error(w, "image tag failed", http.StatusBadGateway)
		return
	}

	if err := s.Registry.SetContainerStatus(id, store.ContainerStatus{State: store.ContainerNone}); err != nil {
		sendError(w, err)
		return
	}

	log.Printf("[INFO] image %s imported as %s for project %s", loaded, target, id)
	fmt.Fprint(w, "Accepted")
}

// loadImage pumps the tar through a bounded chunk channel into docker load
// and returns the loaded image reference
func (s *Server) loadImage(ctx context.Context, src io.Reader) (string, error) {
	ch := make(chan []byte, uploadChunks)
	done := make(chan struct{})
	defer close(done)
	copyErr := make(chan error, 1)

	go func() {
		defer close(ch)
		buf := make([]byte, 32*1024)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case ch <- data:
				case <-done:
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					copyErr <- err
				}
				return
			}
		}
	}()

	loaded, err := s.Engine.LoadImage(ctx, &chunkReader{ch: ch})
	if err != nil {
		return "", fmt.Errorf("docker load failed: %w", err)
	}
	select {
	case cerr := <-copyErr:
		return "", fmt.Errorf("upload stream failed: %w", cerr)
	default:
	}
	return loaded, nil
}

// chunkReader adapts the chunk channel back into io.Reader for the docker client
type chunkReader struct {
	ch   chan []byte
	rest []byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.rest) == 0 {
		chunk, ok := <-c.ch
		if !ok {
			return 0, io.EOF
		}
		c.rest = chunk
	}
	n := copy(p, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

// readField reads a small text part like token or project_id
func readField(part io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read multipart field: %v: %w", err, store.ErrInvalidInput)
	}
	return string(b), nil
}
