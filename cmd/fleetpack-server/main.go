// Command fleetpack-server runs the Version Registry, Packaging Service,
// and Plan Service behind the HTTP API described under /apps/{app_id}/.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetpack/fleetpack/internal/blobstore"
	"github.com/fleetpack/fleetpack/internal/catalog"
	"github.com/fleetpack/fleetpack/internal/httpapi"
	"github.com/fleetpack/fleetpack/internal/netutil"
	"github.com/fleetpack/fleetpack/internal/packaging"
)

func main() {
	var (
		addr            string
		dataDir         string
		memory          bool
		certFile        string
		keyFile         string
		selfSigned      bool
		http3Addr       string
		watchDir        string
		watchEntryPoint string
	)

	flag.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	flag.StringVar(&dataDir, "data", "./data", "directory holding the blob store and catalog")
	flag.BoolVar(&memory, "memory", false, "use an in-memory store instead of --data (state is lost on restart)")
	flag.StringVar(&certFile, "cert", "", "TLS certificate file (enables HTTPS)")
	flag.StringVar(&keyFile, "key", "", "TLS key file (enables HTTPS)")
	flag.BoolVar(&selfSigned, "self-signed", false, "generate an in-memory self-signed certificate instead of --cert/--key")
	flag.StringVar(&http3Addr, "http3-addr", "", "additionally serve blob fetches over HTTP/3 on this UDP address")
	flag.StringVar(&watchDir, "watch-dir", "", "watch this directory for dropped <app_id>-<version>.zip archives and auto-publish them")
	flag.StringVar(&watchEntryPoint, "watch-entry-point", "main.py", "entry point recorded for archives published via -watch-dir")
	flag.Parse()

	args := flag.Args()
	if len(args) > 0 && args[0] == "help" {
		printUsage()

		return
	}

	blobs, reg, err := openStores(dataDir, memory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	server := httpapi.NewServer(blobs, reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watchDir != "" {
		go func() {
			err := packaging.WatchDropDir(ctx, watchDir, blobs, reg, watchEntryPoint, func(appID catalog.AppID, version string) {
				fmt.Printf("fleetpack-server: published %s@%s from %s\n", appID, version, watchDir)
			})
			if err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "Error: watch-dir stopped: %v\n", err)
			}
		}()
	}

	tlsCfg, err := resolveTLS(certFile, keyFile, selfSigned)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if http3Addr != "" {
		if tlsCfg == nil {
			fmt.Fprintln(os.Stderr, "Error: -http3-addr requires -cert/-key or -self-signed")
			os.Exit(1)
		}

		transport := netutil.NewBlobTransport(http3Addr, tlsCfg, server.Mux(), netutil.BlobTransportOptions{})

		boundAddr, err := transport.Start()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: starting HTTP/3 transport: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("fleetpack-server: HTTP/3 blob transport listening on %s\n", boundAddr)

		defer transport.Stop()
	}

	fmt.Printf("fleetpack-server: listening on %s (data=%s, memory=%v)\n", addr, dataDir, memory)

	if err := serve(ctx, addr, server.Mux(), tlsCfg); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStores(dataDir string, memory bool) (blobstore.Store, catalog.Registry, error) {
	if memory {
		return blobstore.NewMemStore(), catalog.NewInMemoryRegistry(), nil
	}

	blobs, err := blobstore.NewFileStore(dataDir + "/blobs")
	if err != nil {
		return nil, nil, fmt.Errorf("opening blob store: %w", err)
	}

	reg, err := catalog.NewFileCatalog(dataDir + "/catalog")
	if err != nil {
		return nil, nil, fmt.Errorf("opening catalog: %w", err)
	}

	return blobs, reg, nil
}

func resolveTLS(certFile, keyFile string, selfSigned bool) (*tls.Config, error) {
	switch {
	case certFile != "" && keyFile != "":
		return netutil.LoadTLSConfig(certFile, keyFile)
	case selfSigned:
		return netutil.GenerateSelfSignedTLS([]string{"localhost", "127.0.0.1"}, 30*24*time.Hour)
	default:
		return nil, nil
	}
}

func serve(ctx context.Context, addr string, handler http.Handler, tlsCfg *tls.Config) error {
	srv := &http.Server{Addr: addr, Handler: handler, TLSConfig: tlsCfg}

	errC := make(chan error, 1)

	go func() {
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			errC <- err
		} else {
			errC <- nil
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	case err := <-errC:
		return err
	}
}

func printUsage() {
	fmt.Printf(`fleetpack-server - content-addressed update distribution server

Usage: fleetpack-server [options]

Options:
  -addr <host:port>     HTTP listen address (default: :8080)
  -data <dir>           directory holding the blob store and catalog (default: ./data)
  -memory               use an in-memory store instead of -data
  -cert/-key <file>     TLS certificate and key files
  -self-signed          generate an in-memory self-signed certificate
  -http3-addr <addr>    also serve blob fetches over HTTP/3 on this UDP address
  -watch-dir <dir>      watch dir for dropped <app_id>-<version>.zip archives and auto-publish them
  -watch-entry-point <path>  entry point recorded for archives published via -watch-dir (default: main.py)

Environment:
  FLEETPACK_REGISTRY_TOKEN           bearer token required for writes (and reads in readwrite mode)
  FLEETPACK_REGISTRY_AUTH_MODE       "", "writeonly", or "readwrite"
  FLEETPACK_REGISTRY_CORS_ORIGINS    comma-separated allowed CORS origins
  FLEETPACK_REGISTRY_ACCESS_LOG      "true" to log every request
  FLEETPACK_REGISTRY_MAX_UPLOAD_BYTES  max multipart upload size (default 50MB)
  FLEETPACK_REGISTRY_RATE_QPS/_BURST   token-bucket rate limit
  FLEETPACK_MAX_CONCURRENCY          parallel download worker pool size for clients
`)
}
