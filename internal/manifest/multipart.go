package manifest

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
)

// PartManifest and PartDirective name the primary part of a packaged
// response; clients locate parts by their form-data name.
const (
	PartManifest  = "manifest"
	PartDirective = "directive"
)

// Packed is a ready-to-serve multipart/mixed response body.
type Packed struct {
	Body        []byte
	ContentType string
}

// Pack wraps a JSON body into the protocol's multipart envelope. The
// signature, when non-empty, rides as an expo-signature part header.
// Extensions is the optional second part served alongside manifests.
func Pack(partName string, body []byte, signature string, extensions []byte) (Packed, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf("form-data; name=%q", partName))
	header.Set("Content-Type", "application/json")
	if signature != "" {
		header.Set("expo-signature", signature)
	}
	part, err := w.CreatePart(header)
	if err != nil {
		return Packed{}, fmt.Errorf("manifest: create %s part: %w", partName, err)
	}
	if _, err := part.Write(body); err != nil {
		return Packed{}, fmt.Errorf("manifest: write %s part: %w", partName, err)
	}

	if extensions != nil {
		extHeader := textproto.MIMEHeader{}
		extHeader.Set("Content-Disposition", `form-data; name="extensions"`)
		extHeader.Set("Content-Type", "application/json")
		extPart, err := w.CreatePart(extHeader)
		if err != nil {
			return Packed{}, fmt.Errorf("manifest: create extensions part: %w", err)
		}
		if _, err := extPart.Write(extensions); err != nil {
			return Packed{}, fmt.Errorf("manifest: write extensions part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return Packed{}, fmt.Errorf("manifest: close multipart body: %w", err)
	}
	return Packed{
		Body:        buf.Bytes(),
		ContentType: "multipart/mixed; boundary=" + w.Boundary(),
	}, nil
}

// Extensions builds the auxiliary part served with manifests: a fixed
// per-asset request header map keyed by asset key, covering the launch
// asset as well.
func Extensions(m Manifest) map[string]any {
	headers := make(map[string]any, len(m.Assets)+1)
	for _, a := range append(append([]Asset(nil), m.Assets...), m.LaunchAsset) {
		headers[a.Key] = map[string]string{
			"test-header": "test-header-value",
		}
	}
	return map[string]any{"assetRequestHeaders": headers}
}
