package stepflow

import (
	"encoding/json"
	"fmt"
)

// ContentKind identifies the variant of a Content value
type ContentKind string

const (
	ContentKindText ContentKind = "text"
	ContentKindData ContentKind = "data"
	ContentKindURI  ContentKind = "uri"
)

// Content is a piece of message content. It is a closed union: the only
// implementations are TextContent, DataContent and URIContent.
type Content interface {
	Kind() ContentKind
	isContent()
}

// TextContent is plain text.
type TextContent struct {
	Text string `json:"text"`
}

// DataContent is an inline payload with a media type.
type DataContent struct {
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data"`
}

// URIContent references content stored elsewhere.
type URIContent struct {
	URI       string `json:"uri"`
	MediaType string `json:"media_type,omitempty"`
}

func (TextContent) Kind() ContentKind { return ContentKindText }
func (DataContent) Kind() ContentKind { return ContentKindData }
func (URIContent) Kind() ContentKind  { return ContentKindURI }

func (TextContent) isContent() {}
func (DataContent) isContent() {}
func (URIContent) isContent()  {}

// Text is shorthand for a TextContent.
func Text(s string) Content { return TextContent{Text: s} }

// Data is shorthand for a DataContent.
func Data(mediaType string, data []byte) Content {
	return DataContent{MediaType: mediaType, Data: data}
}

// URI is shorthand for a URIContent.
func URI(uri, mediaType string) Content {
	return URIContent{URI: uri, MediaType: mediaType}
}

// ContentString renders content as a short human-readable string.
func ContentString(c Content) string {
	switch v := c.(type) {
	case TextContent:
		return v.Text
	case DataContent:
		return fmt.Sprintf("<%d bytes %s>", len(v.Data), v.MediaType)
	case URIContent:
		return v.URI
	default:
		panic(fmt.Sprintf("stepflow: unknown content type %T", c))
	}
}

type contentEnvelope struct {
	Type      ContentKind `json:"type"`
	Text      string      `json:"text,omitempty"`
	MediaType string      `json:"media_type,omitempty"`
	Data      []byte      `json:"data,omitempty"`
	URI       string      `json:"uri,omitempty"`
}

// MarshalContent encodes content with a "type" discriminator.
func MarshalContent(c Content) ([]byte, error) {
	var env contentEnvelope
	switch v := c.(type) {
	case TextContent:
		env = contentEnvelope{Type: ContentKindText, Text: v.Text}
	case DataContent:
		env = contentEnvelope{Type: ContentKindData, MediaType: v.MediaType, Data: v.Data}
	case URIContent:
		env = contentEnvelope{Type: ContentKindURI, URI: v.URI, MediaType: v.MediaType}
	default:
		return nil, fmt.Errorf("stepflow: unknown content type %T", c)
	}
	return json.Marshal(env)
}

// UnmarshalContent decodes content produced by MarshalContent.
func UnmarshalContent(data []byte) (Content, error) {
	var env contentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("stepflow: decode content: %w", err)
	}
	switch env.Type {
	case ContentKindText:
		return TextContent{Text: env.Text}, nil
	case ContentKindData:
		return DataContent{MediaType: env.MediaType, Data: env.Data}, nil
	case ContentKindURI:
		return URIContent{URI: env.URI, MediaType: env.MediaType}, nil
	default:
		return nil, fmt.Errorf("stepflow: unknown content type %q", env.Type)
	}
}

// Contents is a list of content that marshals with type discriminators.
type Contents []Content

func (c Contents) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(c))
	for _, item := range c {
		data, err := MarshalContent(item)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return json.Marshal(raw)
}

func (c *Contents) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Contents, 0, len(raw))
	for _, item := range raw {
		content, err := UnmarshalContent(item)
		if err != nil {
			return err
		}
		out = append(out, content)
	}
	*c = out
	return nil
}
