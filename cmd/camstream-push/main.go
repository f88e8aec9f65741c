package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"camstream-go/internal/capture"
)

func main() {
	var (
		path     = flag.String("path", "", "JPEG file or directory of JPEG files")
		endpoint = flag.String("endpoint", "tcp://*:31001", "ZMQ PUSH bind endpoint")
		rate     = flag.Float64("rate", 10, "Frames per second")
		loop     = flag.Bool("loop", false, "Repeat the file list until interrupted")
		settle   = flag.Duration("settle", 500*time.Millisecond, "Wait for a peer to connect before pushing")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("missing -path")
	}
	if *rate <= 0 {
		log.Fatal("-rate must be > 0")
	}

	files, err := listFiles(*path)
	if err != nil {
		log.Fatalf("list files: %v", err)
	}
	if len(files) == 0 {
		log.Fatalf("no JPEG files under %s", *path)
	}

	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		log.Fatalf("zmq socket: %v", err)
	}
	defer socket.Close()
	if err := socket.SetLinger(time.Second); err != nil {
		log.Fatalf("zmq linger: %v", err)
	}
	if err := socket.Bind(*endpoint); err != nil {
		log.Fatalf("bind %s: %v", *endpoint, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	time.Sleep(*settle)
	sent, err := push(ctx, socket, files, time.Duration(float64(time.Second) / *rate), *loop)
	if err != nil {
		log.Printf("push stopped: %v", err)
	}

	end, err := capture.EncodeEndEnvelope()
	if err != nil {
		log.Fatalf("encode end: %v", err)
	}
	if _, err := socket.SendBytes(end, 0); err != nil {
		log.Printf("send end: %v", err)
	}
	fmt.Printf("summary: files=%d sent=%d\n", len(files), sent)
}

func push(ctx context.Context, socket *zmq4.Socket, files []string, interval time.Duration, loop bool) (uint64, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		for _, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				log.Printf("read %s: %v", file, err)
				continue
			}
			msg, err := capture.EncodeJPEGEnvelope(seq+1, time.Now(), data)
			if err != nil {
				return seq, fmt.Errorf("encode %s: %w", file, err)
			}
			if _, err := socket.SendBytes(msg, 0); err != nil {
				return seq, fmt.Errorf("send: %w", err)
			}
			seq++
			select {
			case <-ctx.Done():
				return seq, ctx.Err()
			case <-ticker.C:
			}
		}
		if !loop {
			return seq, nil
		}
	}
}

func listFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
