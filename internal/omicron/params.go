package omicron

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	KeyChannels   = "DATA CHANNELS"
	KeyFrameList  = "DATA FFL"
	KeyOutputDir  = "OUTPUT DIRECTORY"
	noChannelsYet = "No Channels Available"
)

// DefaultParams is the parameter set written when no parameter file exists yet.
var DefaultParams = []Param{
	{Key: KeyChannels, Value: noChannelsYet},
	{Key: KeyFrameList, Value: ""},
	{Key: "DATA SAMPLEFREQUENCY", Value: "2048"},
	{Key: "PARAMETER TIMING", Value: "64 4"},
	{Key: "PARAMETER FREQUENCYRANGE", Value: "16 1000"},
	{Key: "PARAMETER QRANGE", Value: "4 100"},
	{Key: "PARAMETER MISMATCHMAX", Value: "0.3"},
	{Key: "PARAMETER SNRTHRESHOLD", Value: "6.5"},
	{Key: "PARAMETER PSDLENGTH", Value: "300"},
	{Key: KeyOutputDir, Value: "./OmicronOut"},
	{Key: "OUTPUT FORMAT", Value: "root"},
	{Key: "OUTPUT PRODUCTS", Value: "triggers html"},
	{Key: "OUTPUT VERBOSITY", Value: "0"},
}

// Param is one "SECTION NAME<TAB>value" line.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered Omicron parameter file.
type Params struct {
	items []Param
}

func NewParams() *Params {
	return &Params{items: append([]Param(nil), DefaultParams...)}
}

// LoadParams reads a tab-delimited parameter file, writing the defaults first when it does not
// exist. Both "SECTION NAME<TAB>value" and "SECTION<TAB>NAME<TAB>value" lines are accepted.
func LoadParams(path string) (*Params, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		p := NewParams()
		if err := p.Save(path); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open parameter file: %w", err)
	}
	defer f.Close()

	p := &Params{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		// keep trailing tabs: "DATA\tFFL\t" is an empty value, not a two-field line
		line := strings.TrimLeft(strings.TrimRight(scanner.Text(), "\r\n "), " ")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "\t")
		switch {
		case len(parts) >= 3:
			p.Set(parts[0]+" "+parts[1], strings.Join(parts[2:], "\t"))
		case len(parts) == 2:
			p.Set(parts[0], parts[1])
		default:
			return nil, fmt.Errorf("parameter file %s line %d: expected tab separated key and value", path, lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read parameter file: %w", err)
	}
	return p, nil
}

func (p *Params) Get(key string) (string, bool) {
	for _, item := range p.items {
		if item.Key == key {
			return item.Value, true
		}
	}
	return "", false
}

// Set replaces an existing key in place or appends a new one.
func (p *Params) Set(key, value string) {
	key = strings.Join(strings.Fields(key), " ")
	for i := range p.items {
		if p.items[i].Key == key {
			p.items[i].Value = value
			return
		}
	}
	p.items = append(p.items, Param{Key: key, Value: value})
}

func (p *Params) Items() []Param {
	return append([]Param(nil), p.items...)
}

// SetFrameList points the analysis at a frame list and the channel it belongs to.
func (p *Params) SetFrameList(frameList, channel string) {
	p.Set(KeyFrameList, filepath.ToSlash(frameList))
	if channel != "" {
		p.Set(KeyChannels, channel)
	}
}

// Save writes every parameter as SECTION<TAB>NAME<TAB>value.
func (p *Params) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create parameter dir: %w", err)
		}
	}
	var b strings.Builder
	for _, item := range p.items {
		section, name, ok := strings.Cut(item.Key, " ")
		if !ok {
			fmt.Fprintf(&b, "%s\t%s\n", item.Key, item.Value)
			continue
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\n", section, name, item.Value)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write parameter file: %w", err)
	}
	return nil
}

// ChannelFromDir recovers "H1:NAME" from a sanitized channel directory such as "H1_NAME".
func ChannelFromDir(dir string) string {
	name := filepath.Base(dir)
	if len(name) > 3 && name[2] == '_' {
		return name[:2] + ":" + name[3:]
	}
	return name
}
