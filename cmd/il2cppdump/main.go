// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	il2cppcore "github.com/il2cppdump/il2cppcore"
)

var (
	forceVersion float64
	forceDump    bool
	dumpMethod   bool
	dumpField    bool
	dumpProperty bool
)

func prettyPrint(buf []byte) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, buf, "", "\t"); err != nil {
		log.Println("JSON parse error:", err)
		return string(buf)
	}
	return pretty.String()
}

func dump(cmd *cobra.Command, args []string) {
	metadataPath, binaryPath := args[0], args[1]

	metadataBytes, err := os.ReadFile(metadataPath)
	if err != nil {
		log.Fatalf("reading %s: %v", metadataPath, err)
	}
	binaryBytes, err := os.ReadFile(binaryPath)
	if err != nil {
		log.Fatalf("reading %s: %v", binaryPath, err)
	}

	opts := il2cppcore.Options{ForceDump: forceDump}
	forced, _ := cmd.Flags().GetFloat64("force-version")
	if forced != 0 {
		opts.ForceVersion = &forced
	}

	d, err := il2cppcore.Load(metadataBytes, binaryBytes, opts)
	if err != nil {
		log.Fatalf("loading %s / %s: %v", metadataPath, binaryPath, err)
	}

	if len(d.Anomalies) > 0 {
		for _, a := range d.Anomalies {
			log.Printf("anomaly: %s", a)
		}
	}

	fmt.Printf("version: %v\n", d.Metadata.Version)
	fmt.Printf("type definitions: %d\n", len(d.Metadata.TypeDefs))
	fmt.Printf("method definitions: %d\n", len(d.Metadata.MethodDefs))
	for i, t := range d.Metadata.TypeDefs {
		_ = t
		if i >= len(d.Binary.Types) {
			break
		}
		name := d.Resolver.TypeName(d.Binary.Types[i], true, false)
		fmt.Println(prettyPrint([]byte(`"` + name + `"`)))
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "il2cppdump",
		Short: "An IL2CPP metadata and binary dumper",
		Long:  "Resolves type, method and default-value names out of a global-metadata.dat and its companion libil2cpp binary",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("il2cppdump 0.0.1")
		},
	}

	dumpCmd := &cobra.Command{
		Use:   "dump <global-metadata.dat> <binary>",
		Short: "Dump type names and table counts from a metadata/binary pair",
		Args:  cobra.ExactArgs(2),
		Run:   dump,
	}
	dumpCmd.Flags().Float64Var(&forceVersion, "force-version", 0, "override detected metadata version")
	dumpCmd.Flags().BoolVar(&forceDump, "force-dump", false, "treat the binary as a memory dump")
	dumpCmd.Flags().BoolVar(&dumpMethod, "method", false, "accepted; does not change the dump output")
	dumpCmd.Flags().BoolVar(&dumpField, "field", false, "accepted; does not change the dump output")
	dumpCmd.Flags().BoolVar(&dumpProperty, "property", false, "accepted; does not change the dump output")

	rootCmd.AddCommand(versionCmd, dumpCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
