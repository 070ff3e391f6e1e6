package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/selfcloud/selfcloud/app/acme"
	"github.com/selfcloud/selfcloud/app/container"
	"github.com/selfcloud/selfcloud/app/mgmt"
	"github.com/selfcloud/selfcloud/app/proxy"
	"github.com/selfcloud/selfcloud/app/store"
)

var opts struct {
	HTTPListen  string `long:"http" env:"HTTP" default:":8080" description:"plaintext gateway listen on host:port"`
	HTTPSListen string `long:"https" env:"HTTPS" default:":4433" description:"tls gateway listen on host:port"`
	MgmtListen  string `long:"mgmt" env:"MGMT" default:"127.0.0.1:3000" description:"management server listen on host:port"`

	Home       string   `long:"home" env:"SELF_CLOUD_HOME" required:"true" description:"state directory"`
	DockerSock string   `long:"docker" env:"DOCKER_SOCK" required:"true" description:"docker socket or host"`
	SessionKey string   `long:"session-key" env:"SELF_CLOUD_SESSION_KEY" description:"hex-encoded 32 byte key for session cookies"`
	OnlyFrom   []string `long:"only-from" env:"ONLY_FROM" env-delim:"," description:"source ips or cidrs allowed to use the management api"`

	MaxSize      int64    `long:"max" env:"MAX_SIZE" default:"64000" description:"max request size"`
	GzipEnabled  bool     `long:"gzip" env:"GZIP" description:"enable gz compression"`
	ProxyHeaders []string `short:"x" long:"header" env:"HEADER" description:"extra headers for proxied requests"`
	Signature    bool     `long:"signature" env:"SIGNATURE" description:"enable selfcloud signature headers"`

	ACME struct {
		Directory string `long:"directory" env:"DIRECTORY" description:"acme directory url, letsencrypt when empty"`
		Email     string `long:"email" env:"EMAIL" description:"admin email for the acme account"`
	} `group:"acme" namespace:"acme" env-namespace:"ACME"`

	Timeouts struct {
		ReadHeader     time.Duration `long:"read-header" env:"READ_HEADER" default:"5s" description:"read header server timeout"`
		Write          time.Duration `long:"write" env:"WRITE" default:"30s" description:"write server timeout"`
		Idle           time.Duration `long:"idle" env:"IDLE" default:"30s" description:"idle server timeout"`
		Dial           time.Duration `long:"dial" env:"DIAL" default:"10s" description:"dial transport timeout"`
		KeepAlive      time.Duration `long:"keep-alive" env:"KEEP_ALIVE" default:"30s" description:"keep-alive transport timeout"`
		IdleConn       time.Duration `long:"idle-conn" env:"IDLE_CONN" default:"90s" description:"idle connection transport timeout"`
		TLSHandshake   time.Duration `long:"tls" env:"TLS" default:"10s" description:"tls handshake transport timeout"`
		ExpectContinue time.Duration `long:"continue" env:"CONTINUE" default:"1s" description:"expect continue transport timeout"`
		ResponseHeader time.Duration `long:"resp-header" env:"RESP_HEADER" default:"5s" description:"response header transport timeout"`
	} `group:"timeout" namespace:"timeout" env-namespace:"TIMEOUT"`

	Logger struct {
		StdOut     bool   `long:"stdout" env:"STDOUT" description:"enable stdout logging"`
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable access log"`
		FileName   string `long:"file" env:"FILE" default:"access.log" description:"location of access log"`
		MaxSize    int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum access log size in megabytes before rotation"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum rotated access logs to keep"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	Throttle struct {
		File string `long:"file" env:"FILE" description:"yaml file with rate limits for the management api"`
	} `group:"throttle" namespace:"throttle" env-namespace:"THROTTLE"`

	Placeholder struct {
		Template string `long:"template" env:"TEMPLATE" description:"html template file for the provisioning placeholder page"`
	} `group:"placeholder" namespace:"placeholder" env-namespace:"PLACEHOLDER"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode, uses the letsencrypt staging directory"`
}

var revision = "unknown"

func main() {
	fmt.Printf("selfcloud %s\n", revision)

	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	p.SubcommandsOptional = true
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { // catch interrupt and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()
	catchSignal()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	if err := run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("[ERROR] selfcloud failed, %v", err)
	}
	log.Printf("[INFO] selfcloud terminated")
}

// run wires the registry, acme provisioner, container manager, gateway and
// management server together and blocks until the context is canceled
func run(ctx context.Context) error {
	certs := acme.NewCertStore()
	registry := store.New(opts.Home, certs)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("failed to load state from %s: %w", opts.Home, err)
	}

	users, err := store.LoadUsers(filepath.Join(opts.Home, "users.json"))
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	if len(users) == 0 {
		log.Printf("[WARN] no users in %s, nobody can log into the management api", filepath.Join(opts.Home, "users.json"))
	}

	sessionKey := opts.SessionKey
	if sessionKey == "" {
		key := make([]byte, 32)
		if _, err = rand.Read(key); err != nil {
			return fmt.Errorf("failed to generate session key: %w", err)
		}
		sessionKey = hex.EncodeToString(key)
		log.Printf("[WARN] session key not set, sessions won't survive a restart")
	}
	auth, err := mgmt.NewAuth(sessionKey, users)
	if err != nil {
		return fmt.Errorf("failed to make session auth: %w", err)
	}

	throttleCfg := mgmt.DefaultThrottleConfig()
	if opts.Throttle.File != "" {
		if throttleCfg, err = mgmt.LoadThrottleConfig(opts.Throttle.File); err != nil {
			return err
		}
	}

	engine, err := container.NewDocker(opts.DockerSock)
	if err != nil {
		return err
	}

	directory := opts.ACME.Directory
	if directory == "" {
		directory = acme.LetsEncryptProduction
		if opts.Dbg {
			directory = acme.LetsEncryptStaging
		}
	}
	challenges := acme.NewChallenges()
	provisioner := &acme.Provisioner{
		Registry:     registry,
		Certs:        certs,
		Challenges:   challenges,
		Home:         opts.Home,
		DirectoryURL: directory,
		Email:        opts.ACME.Email,
	}

	manager := &container.Manager{Registry: registry, Engine: engine}

	accessLog, err := makeAccessLogWriter()
	if err != nil {
		return fmt.Errorf("failed to make access log writer: %w", err)
	}
	defer func() {
		if err := accessLog.Close(); err != nil {
			log.Printf("[WARN] can't close access log, %v", err)
		}
	}()

	metrics := mgmt.NewMetrics()

	placeholder := &mgmt.Placeholder{}
	if opts.Placeholder.Template != "" {
		data, e := os.ReadFile(filepath.Clean(opts.Placeholder.Template))
		if e != nil {
			return fmt.Errorf("failed to read placeholder template: %w", e)
		}
		placeholder.Template = string(data)
	}

	mgmtServer := &mgmt.Server{
		Listen:      opts.MgmtListen,
		Registry:    registry,
		Engine:      engine,
		Auth:        auth,
		Throttler:   mgmt.NewThrottler(throttleCfg),
		OnlyFrom:    mgmt.NewOnlyFrom(opts.OnlyFrom),
		Metrics:     metrics,
		Version:     revision,
		Placeholder: placeholder,
	}

	gateway := &proxy.Gateway{
		Registry:         registry,
		Certs:            certs,
		Challenges:       challenges,
		HTTPAddr:         opts.HTTPListen,
		HTTPSAddr:        opts.HTTPSListen,
		ProvisioningPeer: provisioningPeer(opts.MgmtListen),
		MaxBodySize:      opts.MaxSize,
		GzEnabled:        opts.GzipEnabled,
		ProxyHeaders:     opts.ProxyHeaders,
		Version:          revision,
		Signature:        opts.Signature,
		AccessLog:        accessLog,
		StdOutEnabled:    opts.Logger.StdOut,
		Timeouts: proxy.Timeouts{
			ReadHeader:     opts.Timeouts.ReadHeader,
			Write:          opts.Timeouts.Write,
			Idle:           opts.Timeouts.Idle,
			Dial:           opts.Timeouts.Dial,
			KeepAlive:      opts.Timeouts.KeepAlive,
			IdleConn:       opts.Timeouts.IdleConn,
			TLSHandshake:   opts.Timeouts.TLSHandshake,
			ExpectContinue: opts.Timeouts.ExpectContinue,
			ResponseHeader: opts.Timeouts.ResponseHeader,
		},
		Metrics: metrics,
	}

	go func() {
		// terminal provisioner failures degrade the node to http and already
		// issued certificates instead of killing it
		if err := provisioner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[ERROR] acme provisioner terminated, %v", err)
		}
	}()
	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[ERROR] container manager terminated, %v", err)
		}
	}()
	go func() {
		if err := mgmtServer.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ERROR] management server failed, %v", err)
		}
	}()

	return gateway.Run(ctx)
}

// provisioningPeer makes the loopback peer for domains without a certificate
// yet, pointing the gateway at the management server's placeholder page
func provisioningPeer(listen string) store.Peer {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return store.Peer{HostPort: listen}
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return store.Peer{HostPort: net.JoinHostPort(host, port)}
}

// makeAccessLogWriter creates the gateway access log writer, rotated by
// lumberjack when file logging is enabled
func makeAccessLogWriter() (io.WriteCloser, error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.Logger.FileName), 0o700); err != nil {
		return nil, fmt.Errorf("failed to make access log dir: %w", err)
	}
	log.Printf("[INFO] access log enabled for %s, max size %dM, max backups %d",
		opts.Logger.FileName, opts.Logger.MaxSize, opts.Logger.MaxBackups)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    opts.Logger.MaxSize,
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}
	lgr.SetupStdLogger(logOpts...)
}

func catchSignal() {
	// catch SIGQUIT and print stack traces
	sigChan := make(chan os.Signal, 1)
	go func() {
		for range sigChan {
			log.Print("[INFO] SIGQUIT detected")
			stacktrace := make([]byte, 8192)
			length := runtime.Stack(stacktrace, true)
			if length > 8192 {
				length = 8192
			}
			fmt.Println(string(stacktrace[:length]))
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT)
}
