package depmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeParametersPrecedence(t *testing.T) {
	defaults := Parameters{"min": 1, "onlyDefault": "d", "shared": "default"}
	user := Parameters{"min": 3, "onlyUser": "u", "shared": "user"}
	protected := Parameters{"shared": "protected", "new_asg_name": "foo-prod-v002"}

	merged := MergeParameters(defaults, user, protected)

	assert.Equal(t, "protected", merged["shared"])
	assert.Equal(t, 3, merged["min"])
	assert.Equal(t, "d", merged["onlyDefault"])
	assert.Equal(t, "u", merged["onlyUser"])
	assert.Equal(t, "foo-prod-v002", merged["new_asg_name"])
}

func TestMergeParametersEmptyLayers(t *testing.T) {
	merged := MergeParameters(nil, Parameters{"a": 1}, nil)
	assert.Equal(t, Parameters{"a": 1}, merged)
}

func TestParametersStringsAcceptsScalarOrList(t *testing.T) {
	p := Parameters{"selected_load_balancers": "lb-1"}
	assert.Equal(t, []string{"lb-1"}, p.Strings("selected_load_balancers"))

	p = Parameters{"selected_load_balancers": []interface{}{"lb-1", "lb-2"}}
	assert.Equal(t, []string{"lb-1", "lb-2"}, p.Strings("selected_load_balancers"))

	p = Parameters{}
	assert.Nil(t, p.Strings("selected_load_balancers"))
}

func TestParametersIntCoercion(t *testing.T) {
	p := Parameters{"min": float64(2)}
	v, ok := p.Int("min")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	p = Parameters{}
	_, ok = p.Int("min")
	assert.False(t, ok)
}
