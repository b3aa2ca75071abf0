// Exports the measurement register to an xlsx file.
//
//	go run ./cmd/export-measurements -out measurements.xlsx -from 2026-01-01
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/models/reports"
)

func main() {
	out := flag.String("out", "measurements.xlsx", "output file path")
	fromRaw := flag.String("from", "", "start date (YYYY-MM-DD, inclusive)")
	toRaw := flag.String("to", "", "end date (YYYY-MM-DD, exclusive)")
	flag.Parse()

	var from, to *time.Time
	if *fromRaw != "" {
		t, err := time.Parse("2006-01-02", *fromRaw)
		if err != nil {
			log.Fatal(err)
		}
		from = &t
	}
	if *toRaw != "" {
		t, err := time.Parse("2006-01-02", *toRaw)
		if err != nil {
			log.Fatal(err)
		}
		to = &t
	}

	config.ConnectDatabaseWithRetry()

	f, err := reports.ExportMeasurementRegister(context.Background(), from, to)
	if err != nil {
		log.Fatal(err)
	}
	if err := f.SaveAs(*out); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %s", *out)
}
