package emit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aegisshield/telemetry-rules-engine/internal/analyze"
	"github.com/aegisshield/telemetry-rules-engine/internal/model"
)

// ArtifactVersion is bumped whenever the on-disk artifact shape changes in
// a way the runtime loader must reject rather than misinterpret.
const ArtifactVersion = 1

// RuleManifestEntry is one row of the manifest: name, layer, inputs,
// outputs, plus a human-readable rendering of the rule's condition tree.
type RuleManifestEntry struct {
	Name     string   `json:"name"`
	Layer    int      `json:"layer"`
	Inputs   []string `json:"inputs"`
	Outputs  []string `json:"outputs"`
	Rendered string   `json:"rendered_conditions"`
}

// Manifest is the machine-readable summary written alongside the artifact
// as manifest.json.
type Manifest struct {
	Rules         []RuleManifestEntry `json:"rules"`
	InputSensors  []string            `json:"input_sensors"`
	OutputSensors []string            `json:"output_sensors"`
}

// Group mirrors analyze.Group but with a JSON-serializable Rule slice.
type Group struct {
	Index int           `json:"index"`
	Rules []*model.Rule `json:"rules"`
}

// Layer mirrors analyze.Layer, holding this layer's groups in call order.
type Layer struct {
	Index  int     `json:"index"`
	Groups []Group `json:"groups"`
}

// Artifact is the complete executable payload: the coordinator (the
// runtime's Layers) plus the manifest. Non-goals exclude packaging this
// into a deployable binary; the artifact is read back by the runtime's own
// process, not compiled into a new one.
type Artifact struct {
	ArtifactVersion int      `json:"artifact_version"`
	RulesetVersion  int      `json:"ruleset_version"`
	Manifest        Manifest `json:"manifest"`
	Layers          []Layer  `json:"layers"`
}

// Emit converts a validated document plus its layering into the final
// Artifact. Validation must have already succeeded; Emit does not
// re-validate — a failing validation aborts emission before this runs.
func Emit(doc *model.Document, layering analyze.Layering) *Artifact {
	art := &Artifact{
		ArtifactVersion: ArtifactVersion,
		RulesetVersion:  doc.Version,
	}

	inputSet := map[string]bool{}
	outputSet := map[string]bool{}

	for _, l := range layering.Layers {
		layer := Layer{Index: l.Index}
		for _, g := range l.Groups {
			group := Group{Index: g.Index, Rules: g.Rules}
			layer.Groups = append(layer.Groups, group)
			for _, r := range g.Rules {
				for _, in := range r.Inputs {
					inputSet[in] = true
				}
				for _, out := range r.Outputs {
					outputSet[out] = true
				}
				art.Manifest.Rules = append(art.Manifest.Rules, RuleManifestEntry{
					Name: r.Name, Layer: r.Layer, Inputs: r.Inputs, Outputs: r.Outputs,
					Rendered: RenderGroup(r.Conditions),
				})
			}
		}
		art.Layers = append(art.Layers, layer)
	}

	art.Manifest.InputSensors = sortedSet(inputSet)
	art.Manifest.OutputSensors = sortedSet(outputSet)
	return art
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sortStrings(out)
	return out
}

// sortStrings avoids an extra "sort" import at every call site in this
// small file; it's the one place emit needs ordering.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Save writes the artifact as JSON to path.
func Save(art *Artifact, path string) error {
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact to %s: %w", path, err)
	}
	return nil
}

// SaveManifest writes just the manifest to path.
func SaveManifest(art *Artifact, path string) error {
	data, err := json.MarshalIndent(art.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest to %s: %w", path, err)
	}
	return nil
}

// Load reads and decodes an artifact previously written by Save.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", path, err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decoding artifact %s: %w", path, err)
	}
	if art.ArtifactVersion != ArtifactVersion {
		return nil, fmt.Errorf("artifact %s has version %d, runtime supports %d", path, art.ArtifactVersion, ArtifactVersion)
	}
	return &art, nil
}

// Checksum returns a stable content hash of an artifact file, used by the
// reload watcher to decide whether a filesystem change notification
// actually changed the bytes (fsnotify can fire spuriously on some
// editors/filesystems).
func Checksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s for checksum: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
