package container

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocker(t *testing.T) {
	tbl := []struct {
		host string
		want string
	}{
		{"/var/run/docker.sock", "unix:///var/run/docker.sock"},
		{"unix:///custom/docker.sock", "unix:///custom/docker.sock"},
		{"tcp://127.0.0.1:2375", "tcp://127.0.0.1:2375"},
	}

	for i, tt := range tbl {
		tt := tt
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			d, err := NewDocker(tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.client.DaemonHost())
		})
	}
}

func TestDocker_FindAndInspect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Api-Version", "1.44")
		switch {
		case r.URL.Path == "/_ping":
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/containers/json"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `[{"Id":"aaa111","Names":["/myapp-web-1"],"State":"running"},
				{"Id":"bbb222","Names":["/myapp-web"],"State":"running"}]`)
		case strings.HasSuffix(r.URL.Path, "/containers/bbb222/json"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"Id":"bbb222","Name":"/myapp-web","Image":"sha256:fff",
				"State":{"Running":true,"Paused":false,"Status":"running"},
				"NetworkSettings":{"Ports":{"3000/tcp":[{"HostIp":"0.0.0.0","HostPort":"32768"}],"9000/tcp":null}}}`)
		default:
			t.Errorf("unexpected docker api call %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d, err := NewDocker("tcp://" + srv.Listener.Addr().String())
	require.NoError(t, err)

	// the name filter is a substring match on the daemon side, only the exact
	// name should be picked up
	info, found, err := d.Find(context.Background(), "myapp-web")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "bbb222", info.ID)
	assert.Equal(t, "myapp-web", info.Name)
	assert.Equal(t, "sha256:fff", info.ImageID)
	assert.True(t, info.Running)
	assert.False(t, info.Paused)
	assert.Equal(t, map[uint16]uint16{3000: 32768}, info.Ports, "unbound ports are dropped")

	_, found, err = d.Find(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestParseImageLoad(t *testing.T) {
	tbl := []struct {
		input string
		res   string
		err   bool
	}{
		{`{"stream":"Loaded image: myapp:latest\n"}`, "myapp:latest", false},
		{`{"stream":"Loaded image ID: sha256:abcd\n"}`, "sha256:abcd", false},
		{`{"stream":"preparing layers\n"}` + "\n" + `{"stream":"Loaded image: app:v2\n"}`, "app:v2", false},
		{`{"errorDetail":{"message":"archive/tar: invalid tar header"},"error":"archive/tar: invalid tar header"}`, "", true},
		{`{"stream":"no marker here\n"}`, "", true},
		{`not json at all`, "", true},
		{``, "", true},
	}

	for i, tt := range tbl {
		tt := tt
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			res, err := parseImageLoad(strings.NewReader(tt.input))
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.res, res)
		})
	}
}
