package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredfox/comfymw/pkg/types"
)

func TestPrepareWritesImageAndSuffixesFilename(t *testing.T) {
	templates := DefaultTemplates()
	tpl := templates[types.KindRemoveBackground]

	g, err := Prepare(tpl, "data:image/png;base64,QUJD", "job-1", time.Unix(0, 1234))
	require.NoError(t, err)

	assert.Equal(t, "QUJD", g["1"].Inputs["image"])
	prefix := g["save_remove_bg"].Inputs["filename_prefix"].(string)
	assert.Contains(t, prefix, "remove_bg_job_job-1_")
}

func TestPrepareDoesNotMutateTemplate(t *testing.T) {
	templates := DefaultTemplates()
	tpl := templates[types.KindUpscale]

	_, err := Prepare(tpl, "raw-bytes", "job-2", time.Unix(0, 1))
	require.NoError(t, err)

	assert.Nil(t, tpl["1"].Inputs["image"])
}

func TestStripDataURLPrefix(t *testing.T) {
	assert.Equal(t, "QUJD", stripDataURLPrefix("data:image/png;base64,QUJD"))
	assert.Equal(t, "QUJD", stripDataURLPrefix("QUJD"))
}

func TestTargetNodeID(t *testing.T) {
	assert.Equal(t, "save_remove_bg", TargetNodeID(types.KindRemoveBackground))
	assert.Equal(t, "", TargetNodeID(types.JobKind("unknown")))
}
