package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"camstream-go/internal/output"
)

func main() {
	var (
		path  = flag.String("path", "", "Path to a detection log .bin file")
		limit = flag.Int("limit", 1, "Number of records to dump (0 for all)")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open detection log: %v", err)
	}
	defer f.Close()

	reader, err := output.NewRawLogReader(f)
	if err != nil {
		log.Fatalf("read header: %v", err)
	}

	count := 0
	for {
		if *limit > 0 && count >= *limit {
			return
		}
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Fatalf("read record: %v", err)
		}
		if len(record.Payload) == 0 {
			log.Printf("record %d: empty payload", count)
			count++
			continue
		}

		var decoded any
		if err := cbor.Unmarshal(record.Payload, &decoded); err != nil {
			log.Printf("record %d: CBOR decode error: %v", count, err)
			count++
			continue
		}

		pretty, err := json.MarshalIndent(output.NormalizeJSONValue(decoded), "", "  ")
		if err != nil {
			log.Printf("record %d: JSON encode error: %v", count, err)
			count++
			continue
		}

		log.Printf("record %d timestamp=%s size=%d", count, record.Timestamp.Format(time.RFC3339Nano), len(record.Payload))
		fmt.Println(string(pretty))
		count++
	}
}
