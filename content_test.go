package stepflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentString(t *testing.T) {
	require.Equal(t, "hi", ContentString(Text("hi")))
	require.Equal(t, "<3 bytes text/csv>", ContentString(Data("text/csv", []byte("a,b"))))
	require.Equal(t, "s3://bucket/key", ContentString(URI("s3://bucket/key", "")))
}

func TestContentEnvelope(t *testing.T) {
	data, err := MarshalContent(Data("application/octet-stream", []byte{1, 2, 3}))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"data","media_type":"application/octet-stream","data":"AQID"}`, string(data))

	c, err := UnmarshalContent(data)
	require.NoError(t, err)
	require.Equal(t, ContentKindData, c.Kind())
	require.Equal(t, DataContent{MediaType: "application/octet-stream", Data: []byte{1, 2, 3}}, c)

	_, err = UnmarshalContent([]byte(`{"type":"video"}`))
	require.ErrorContains(t, err, `unknown content type "video"`)
	_, err = UnmarshalContent([]byte(`not json`))
	require.Error(t, err)
}
