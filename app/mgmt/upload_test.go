package mgmt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfcloud/selfcloud/app/container"
	"github.com/selfcloud/selfcloud/app/store"
)

// imageForm builds a multipart upload body. Fields go in call order, the
// handler cares about token and project_id arriving before the image.
func imageForm(t *testing.T, fields map[string]string, image string) (body *bytes.Buffer, contentType string) {
	t.Helper()
	body = &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for name, value := range map[string]string{"project_id": fields["project_id"], "token": fields["token"]} {
		if value != "" {
			require.NoError(t, mw.WriteField(name, value))
		}
	}
	if image != "" {
		fw, err := mw.CreateFormFile("image", "image.tar")
		require.NoError(t, err)
		_, err = fw.Write([]byte(image))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestServer_ImageUpload(t *testing.T) {
	// big enough to force a few channel chunks through the pipeline
	tarContent := strings.Repeat("fake tar layer data 0123456789abcdef\n", 10000)

	engine := &container.EngineMock{
		LoadImageFunc: func(ctx context.Context, input io.Reader) (string, error) {
			data, err := io.ReadAll(input)
			require.NoError(t, err)
			assert.Equal(t, tarContent, string(data), "docker load sees the exact upload")
			return "myapp:v1", nil
		},
		TagImageFunc: func(ctx context.Context, source, target string) error { return nil },
	}
	_, ts, svc := startTestServer(t, engine)

	app, err := svc.AddProject("app", store.ProjectKind{Container: &store.Container{
		ExposedPorts: []store.ExposedPort{{ContainerPort: 3000}},
		Tokens:       map[string]store.Token{"deploy": {Value: "tok-123"}},
	}})
	require.NoError(t, err)
	require.NoError(t, svc.SetContainerStatus(app.ID, store.ContainerStatus{State: store.ContainerFailed}))

	body, contentType := imageForm(t, map[string]string{"project_id": app.ID.String(), "token": "tok-123"}, tarContent)
	resp, err := http.Post(ts.URL+"/api/v1/image", contentType, body) // no session cookie, the token is the credential
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", string(respBody))

	require.Len(t, engine.TagImageCalls(), 1)
	assert.Equal(t, "myapp:v1", engine.TagImageCalls()[0].Source)
	assert.Equal(t, container.ImageName(app.ID), engine.TagImageCalls()[0].Target)

	p, ok := svc.GetProject(app.ID)
	require.True(t, ok)
	assert.Equal(t, store.ContainerNone, p.Kind.Container.Status.State, "upload re-arms the reconciler")
}

func TestServer_ImageUploadRejections(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	engine := &container.EngineMock{}
	_, ts, svc := startTestServer(t, engine)

	app, err := svc.AddProject("app", store.ProjectKind{Container: &store.Container{
		ExposedPorts: []store.ExposedPort{{ContainerPort: 3000}},
		Tokens: map[string]store.Token{
			"deploy": {Value: "tok-123"},
			"old":    {Value: "tok-old", Expiry: &past},
		},
	}})
	require.NoError(t, err)
	pf, err := svc.AddProject("web", store.ProjectKind{PortForward: &store.PortForward{Port: 9001}})
	require.NoError(t, err)

	tbl := []struct {
		name      string
		projectID string
		token     string
		image     string
		code      int
	}{
		{"wrong token", app.ID.String(), "tok-nope", "data", http.StatusUnauthorized},
		{"expired token", app.ID.String(), "tok-old", "data", http.StatusForbidden},
		{"unknown project", uuid.NewString(), "tok-123", "data", http.StatusNotFound},
		{"not a container project", pf.ID.String(), "tok-123", "data", http.StatusBadRequest},
		{"mangled project id", "not-a-uuid", "tok-123", "data", http.StatusBadRequest},
		{"missing image part", app.ID.String(), "tok-123", "", http.StatusBadRequest},
		{"missing token", app.ID.String(), "", "data", http.StatusBadRequest},
	}

	for _, tt := range tbl {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := imageForm(t, map[string]string{"project_id": tt.projectID, "token": tt.token}, tt.image)
			resp, err := http.Post(ts.URL+"/api/v1/image", contentType, body)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	assert.Empty(t, engine.LoadImageCalls(), "nothing reached docker")
}

func TestServer_ImageUploadFieldsAfterImage(t *testing.T) {
	engine := &container.EngineMock{}
	_, ts, svc := startTestServer(t, engine)

	app, err := svc.AddProject("app", store.ProjectKind{Container: &store.Container{
		Tokens: map[string]store.Token{"deploy": {Value: "tok-123"}},
	}})
	require.NoError(t, err)

	// image part first, credentials after, the server can't buffer the image
	// while waiting for them
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("image", "image.tar")
	require.NoError(t, err)
	_, err = fw.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("project_id", app.ID.String()))
	require.NoError(t, mw.WriteField("token", "tok-123"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/api/v1/image", mw.FormDataContentType(), body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, engine.LoadImageCalls())
}

func TestServer_ImageUploadDockerFailures(t *testing.T) {
	engine := &container.EngineMock{}
	_, ts, svc := startTestServer(t, engine)

	app, err := svc.AddProject("app", store.ProjectKind{Container: &store.Container{
		Tokens: map[string]store.Token{"deploy": {Value: "tok-123"}},
	}})
	require.NoError(t, err)
	require.NoError(t, svc.SetContainerStatus(app.ID, store.ContainerStatus{State: store.ContainerFailed}))

	upload := func() *http.Response {
		body, contentType := imageForm(t, map[string]string{"project_id": app.ID.String(), "token": "tok-123"}, "data")
		resp, err := http.Post(ts.URL+"/api/v1/image", contentType, body)
		require.NoError(t, err)
		return resp
	}

	{ // docker load blows up
		engine.LoadImageFunc = func(ctx context.Context, input io.Reader) (string, error) {
			_, _ = io.Copy(io.Discard, input)
			return "", fmt.Errorf("no space left on device")
		}
		resp := upload()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()
		assert.Empty(t, engine.TagImageCalls())
	}

	{ // load fine, tag fails, status stays put for a retry
		engine.LoadImageFunc = func(ctx context.Context, input io.Reader) (string, error) {
			_, _ = io.Copy(io.Discard, input)
			return "myapp:v1", nil
		}
		engine.TagImageFunc = func(ctx context.Context, source, target string) error {
			return fmt.Errorf("conflict")
		}
		resp := upload()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()

		p, ok := svc.GetProject(app.ID)
		require.True(t, ok)
		assert.Equal(t, store.ContainerFailed, p.Kind.Container.Status.State)
	}
}

func TestChunkReader(t *testing.T) {
	ch := make(chan []byte, 3)
	ch <- []byte("hello ")
	ch <- []byte("chunked ")
	ch <- []byte("world")
	close(ch)

	got, err := io.ReadAll(&chunkReader{ch: ch})
	require.NoError(t, err)
	assert.Equal(t, "hello chunked world", string(got))

	// drained channel keeps reporting eof
	r := &chunkReader{ch: ch}
	n, err := r.Read(make([]byte, 10))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestChunkReader_SmallReads(t *testing.T) {
	ch := make(chan []byte, 1)
	ch <- []byte("abcdef")
	close(ch)

	r := &chunkReader{ch: ch}
	buf := make([]byte, 2)

	out := ""
	for {
		n, err := r.Read(buf)
		out += string(buf[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "abcdef", out)
}
