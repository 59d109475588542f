package main

import (
	"flag"
	"os"

	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedcheck/pkg/model"

	"cloud.google.com/go/bigquery"
)

var speedcheckSchema string

func init() {
	flag.StringVar(&speedcheckSchema, "speedcheck", "/var/spool/datatypes/speedcheck.json",
		"filename to write speedcheck schema")
}

func main() {
	flag.Parse()
	// Generate and save the schema for autoloading.
	result := model.ArchivalData{}
	sch, err := bigquery.InferSchema(result)
	rtx.Must(err, "failed to generate speedcheck schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal speedcheck schema")
	err = os.WriteFile(speedcheckSchema, b, 0o644)
	rtx.Must(err, "failed to write speedcheck schema")
}
