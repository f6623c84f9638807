// Package config provides typed views over the string key/value blobs that
// drive a retrieval session: BuildConfig, CDNConfig, and PatchConfig
// (spec.md §2 "Config + BPSV adapters", §6 "Config/manifests consumed").
//
// The underlying text is a simple "key = value[ value2]" line format (not
// BPSV; BuildConfig/CDNConfig blobs use their own line syntax, distinct
// from the BPSV table format the bpsv package parses for version/CDN
// summaries). Each adapter is a thin accessor layer: parsing stays in one
// place (parseKV) and is never duplicated per config type.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rpcpool/ngdp-retrieval/ckey"
)

// KV is a parsed config blob: a map from key to its whitespace-separated
// value fields. The order of keys in the blob is not kept.
type KV struct {
	fields map[string][]string
}

func parseKV(r io.Reader) (*KV, error) {
	kv := &KV{fields: make(map[string][]string)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, rest, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		values := strings.Fields(rest)
		kv.fields[key] = values
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}
	return kv, nil
}

func (kv *KV) values(key string) []string { return kv.fields[key] }

func (kv *KV) first(key string) (string, bool) {
	v := kv.fields[key]
	if len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// BuildConfig is a typed view over a build configuration blob: the root,
// encoding, and optional install/download/size manifest hashes.
type BuildConfig struct {
	Root     ckey.CKey
	Encoding ckey.CKey
	EncodingSize ckey.CKey // the "encoded" companion hash, if present

	HasInstall  bool
	Install     ckey.CKey
	HasDownload bool
	Download    ckey.CKey
	HasSize     bool
	Size        ckey.CKey

	raw *KV
}

// ParseBuildConfig parses a BuildConfig blob.
func ParseBuildConfig(r io.Reader) (*BuildConfig, error) {
	kv, err := parseKV(r)
	if err != nil {
		return nil, err
	}
	bc := &BuildConfig{raw: kv}

	rootVals := kv.values("root")
	if len(rootVals) == 0 {
		return nil, fmt.Errorf("config: build config missing root")
	}
	bc.Root, err = ckey.ParseCKey(rootVals[0])
	if err != nil {
		return nil, fmt.Errorf("config: root: %w", err)
	}

	encVals := kv.values("encoding")
	if len(encVals) == 0 {
		return nil, fmt.Errorf("config: build config missing encoding")
	}
	bc.Encoding, err = ckey.ParseCKey(encVals[0])
	if err != nil {
		return nil, fmt.Errorf("config: encoding: %w", err)
	}
	if len(encVals) > 1 {
		bc.EncodingSize, err = ckey.ParseCKey(encVals[1])
		if err != nil {
			return nil, fmt.Errorf("config: encoding (encoded key): %w", err)
		}
	}

	if vals := kv.values("install"); len(vals) > 0 {
		bc.Install, err = ckey.ParseCKey(vals[0])
		if err != nil {
			return nil, fmt.Errorf("config: install: %w", err)
		}
		bc.HasInstall = true
	}
	if vals := kv.values("download"); len(vals) > 0 {
		bc.Download, err = ckey.ParseCKey(vals[0])
		if err != nil {
			return nil, fmt.Errorf("config: download: %w", err)
		}
		bc.HasDownload = true
	}
	if vals := kv.values("size"); len(vals) > 0 {
		bc.Size, err = ckey.ParseCKey(vals[0])
		if err != nil {
			return nil, fmt.Errorf("config: size: %w", err)
		}
		bc.HasSize = true
	}
	return bc, nil
}

// Field returns a raw field's values by name, for keys this typed view
// does not otherwise expose (e.g. "build-name", "build-product").
func (bc *BuildConfig) Field(name string) []string { return bc.raw.values(name) }

// CDNConfig is a typed view over a CDN configuration blob: the archive
// list, archive-group, and per-archive index sizes.
type CDNConfig struct {
	Archives          []string
	ArchiveGroup      string
	ArchivesIndexSize []uint64
	PatchArchives     []string

	raw *KV
}

// ParseCDNConfig parses a CDNConfig blob.
func ParseCDNConfig(r io.Reader) (*CDNConfig, error) {
	kv, err := parseKV(r)
	if err != nil {
		return nil, err
	}
	cc := &CDNConfig{raw: kv}
	cc.Archives = kv.values("archives")
	if g, ok := kv.first("archive-group"); ok {
		cc.ArchiveGroup = g
	}
	cc.PatchArchives = kv.values("patch-archives")

	sizeVals := kv.values("archives-index-size")
	cc.ArchivesIndexSize = make([]uint64, 0, len(sizeVals))
	for _, s := range sizeVals {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: archives-index-size %q: %w", s, err)
		}
		cc.ArchivesIndexSize = append(cc.ArchivesIndexSize, n)
	}
	return cc, nil
}

// Field returns a raw field's values by name.
func (cc *CDNConfig) Field(name string) []string { return cc.raw.values(name) }

// PatchConfig is a typed view over a patch configuration blob (supplemental
// per SPEC_FULL.md, sibling of CDNConfig): it names the patch manifest and
// the set of patch-entry archives that apply to a build transition.
type PatchConfig struct {
	PatchEntry ckey.CKey
	Patch      ckey.CKey

	raw *KV
}

// ParsePatchConfig parses a PatchConfig blob.
func ParsePatchConfig(r io.Reader) (*PatchConfig, error) {
	kv, err := parseKV(r)
	if err != nil {
		return nil, err
	}
	pc := &PatchConfig{raw: kv}
	if v, ok := kv.first("patch"); ok {
		pc.Patch, err = ckey.ParseCKey(v)
		if err != nil {
			return nil, fmt.Errorf("config: patch: %w", err)
		}
	}
	if v, ok := kv.first("patch-entry"); ok {
		pc.PatchEntry, err = ckey.ParseCKey(v)
		if err != nil {
			return nil, fmt.Errorf("config: patch-entry: %w", err)
		}
	}
	return pc, nil
}

// Field returns a raw field's values by name.
func (pc *PatchConfig) Field(name string) []string { return pc.raw.values(name) }
