package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/jhalter/iedfile/internal/iedfile"
	"github.com/jhalter/iedfile/mms"
)

//go:embed iedfile/config
var cfgTemplate embed.FS

// Values swapped in by go-releaser at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, os.Interrupt)

	netInterface := flag.String("interface", "", "IP addr of interface to listen on.  Defaults to all interfaces.")
	port := flag.Int("bind", mms.DefaultPort, "Port to accept MMS connections on.")
	statsPort := flag.String("stats-port", "", "Enable stats HTTP endpoint on address and port")
	configDir := flag.String("config", findConfigPath(), "Path to config root")
	printVersion := flag.Bool("version", false, "Print version and exit")
	logLevel := flag.String("log-level", "info", "Log level")
	logFile := flag.String("log-file", "", "Path to log file")
	init := flag.Bool("init", false, "Populate the config dir with default configuration")

	flag.Parse()

	if *printVersion {
		fmt.Printf("iedfile-server %s, commit %s, built at %s\n", version, commit, date)
		os.Exit(0)
	}

	slogger := iedfile.NewLogger(os.Stdout, *logLevel, *logFile)

	// It's important for Windows compatibility to use path.Join and not filepath.Join for the config dir initialization.
	// https://github.com/golang/go/issues/44305
	if *init {
		if _, err := os.Stat(path.Join(*configDir, "/config.yaml")); os.IsNotExist(err) {
			if err := os.MkdirAll(*configDir, 0750); err != nil {
				slogger.Error(fmt.Sprintf("error creating config dir: %s", err))
				os.Exit(1)
			}
			if err := copyDir(path.Join("iedfile", "config"), *configDir); err != nil {
				slogger.Error(fmt.Sprintf("error copying config dir: %s", err))
				os.Exit(1)
			}
			slogger.Info("Config dir initialized at " + *configDir)
		} else {
			slogger.Info("Existing config dir found.  Skipping initialization.")
		}
	}

	config, err := iedfile.LoadServerConfig(path.Join(*configDir, "config.yaml"))
	if err != nil {
		slogger.Error(fmt.Sprintf("Error loading config: %v", err))
		os.Exit(1)
	}

	srv, err := mms.NewServer(
		mms.WithInterface(*netInterface),
		mms.WithLogger(slogger),
		mms.WithPort(*port),
		mms.WithConfig(*config),
	)
	if err != nil {
		slogger.Error(fmt.Sprintf("Error starting server: %s", err))
		os.Exit(1)
	}

	sh := APIHandler{srv: srv}
	if *statsPort != "" {
		http.HandleFunc("/", sh.RenderStats)
		http.HandleFunc("/api/v1/stats", sh.RenderStats)

		go func() {
			err := http.ListenAndServe(":"+*statsPort, nil)
			if err != nil {
				log.Fatal(err)
			}
		}()
	}

	go func() {
		<-sigChan
		signal.Stop(sigChan)
		slogger.Info("Shutting down")
		cancel()
	}()

	slogger.Info("IED file server started",
		"version", version,
		"config", *configDir,
		"files", config.FileRoot,
		"MMS port", fmt.Sprintf("%s:%v", *netInterface, *port),
	)

	// Serve file requests until a signal cancels ctx
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal(err)
	}
}

type APIHandler struct {
	srv *mms.Server
}

func (sh *APIHandler) RenderStats(w http.ResponseWriter, _ *http.Request) {
	u, err := json.Marshal(sh.srv.CurrentStats())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(u)
}

// findConfigPath returns the first config directory in the search order that
// exists, falling back to "config".
func findConfigPath() string {
	for _, cfgPath := range iedfile.ConfigSearchOrder {
		if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
			return cfgPath
		}
	}

	return "config"
}

// copyDir copies the embedded directory src into dst.
func copyDir(src, dst string) error {
	if _, err := fs.ReadDir(cfgTemplate, src); err != nil {
		return fmt.Errorf("failed to read source directory: %w", err)
	}

	return copyDirRecursive(src, dst)
}

func copyDirRecursive(src, dst string) error {
	entries, err := fs.ReadDir(cfgTemplate, src)
	if err != nil {
		return fmt.Errorf("failed to read source directory: %w", err)
	}

	for _, dirEntry := range entries {
		srcPath := path.Join(src, dirEntry.Name())
		dstPath := path.Join(dst, dirEntry.Name())

		if dirEntry.IsDir() {
			if err := os.MkdirAll(dstPath, 0750); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			if err := copyDirRecursive(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}

		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}

	return nil
}

// copyFile copies a single embedded file to dst.
func copyFile(src, dst string) error {
	srcFile, err := cfgTemplate.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	if _, err := io.Copy(f, srcFile); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	return f.Close()
}
