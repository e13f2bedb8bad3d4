// Command kvstoredemo is a REPL over a store.Database: read, write,
// delete, debug, and force a compaction pass, all against one base
// directory given on the command line.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"kvstore/config"
	"kvstore/store"
)

func help() {
	fmt.Println("Commands:")
	fmt.Println("  /help - prints this command")
	fmt.Println("  /read <key> - reads the given key")
	fmt.Println("  /write <key> <value> - inserts / updates the given key")
	fmt.Println("  /delete <key> - deletes the given key")
	fmt.Println("  /compact - forces an immediate compaction pass")
	fmt.Println("  /debug - prints the database's segment stats")
	fmt.Println("  /quit - quits the program")
}

func main() {
	logger := log.NewLogfmtLogger(os.Stdout)
	registerer := prometheus.NewRegistry()

	basePath := "data"
	if len(os.Args) > 1 {
		basePath = os.Args[1]
	}

	threshold := config.DefaultSegmentThreshold
	if len(os.Args) > 2 {
		if v, err := parseInt64(os.Args[2]); err == nil {
			threshold = v
		}
	}

	db, err := store.New(config.Options{
		BasePath:         basePath,
		SegmentThreshold: threshold,
	}, logger, registerer)
	if err != nil {
		level.Error(logger).Log("msg", "failed to construct database", "err", err)
		os.Exit(1)
	}

	if err := db.Start(); err != nil {
		level.Error(logger).Log("msg", "failed to start database", "err", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go readLines(lines)

	level.Info(logger).Log("msg", "database started", "path", basePath)
	help()
	fmt.Print("> ")

	for {
		select {
		case <-sigs:
			level.Info(logger).Log("msg", "signal received, shutting down")
			if err := db.Stop(); err != nil {
				level.Error(logger).Log("msg", "error during shutdown", "err", err)
			}
			return

		case line, ok := <-lines:
			if !ok {
				if err := db.Stop(); err != nil {
					level.Error(logger).Log("msg", "error during shutdown", "err", err)
				}
				return
			}

			if !dispatch(db, logger, line) {
				if err := db.Stop(); err != nil {
					level.Error(logger).Log("msg", "error during shutdown", "err", err)
				}
				return
			}

			fmt.Print("> ")
		}
	}
}

// dispatch runs one REPL command. It returns false when the program should exit.
func dispatch(db *store.Database, logger log.Logger, line string) bool {
	switch {
	case line == "/quit":
		return false

	case line == "/help":
		help()

	case line == "/debug":
		stats := db.Stats()
		fmt.Printf("segments=%d active=%d bytes=%d\n", stats.SegmentCount, stats.ActiveSegmentID, stats.TotalBytes)

	case line == "/compact":
		db.Compact()
		fmt.Println("compaction pass triggered")

	case strings.HasPrefix(line, "/read "):
		key := strings.TrimSpace(strings.TrimPrefix(line, "/read "))
		value, found, err := db.Read([]byte(key))
		if err != nil {
			level.Error(logger).Log("msg", "read failed", "key", key, "err", err)
			break
		}
		if found {
			fmt.Println(string(value))
		} else {
			fmt.Println("<Not Found>")
		}

	case strings.HasPrefix(line, "/write "):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/write "))
		firstSpace := strings.IndexByte(rest, ' ')
		if firstSpace < 0 {
			fmt.Println("usage: /write <key> <value>")
			break
		}
		key := rest[:firstSpace]
		value := strings.TrimSpace(rest[firstSpace:])
		if err := db.Write([]byte(key), []byte(value)); err != nil {
			level.Error(logger).Log("msg", "write failed", "key", key, "err", err)
		}

	case strings.HasPrefix(line, "/delete "):
		key := strings.TrimSpace(strings.TrimPrefix(line, "/delete "))
		if err := db.Delete([]byte(key)); err != nil {
			level.Error(logger).Log("msg", "delete failed", "key", key, "err", err)
		}

	default:
		fmt.Println("Invalid command:", line)
		help()
	}

	return true
}

func readLines(out chan<- string) {
	defer close(out)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func parseInt64(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
