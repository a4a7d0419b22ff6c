package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryWellFormed(t *testing.T) {
	r := Default()
	assert.Greater(t, r.Len(), 15)

	for _, def := range r.All() {
		assert.NotEmpty(t, def.Description, def.Name)
		assert.Contains(t, Categories, def.Category, def.Name)
		assert.Greater(t, def.Weight, 0, def.Name)
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]ToolDefinition{
		{Name: "dup", Description: "a", Category: CategoryUtility, Weight: 1},
		{Name: "dup", Description: "b", Category: CategoryUtility, Weight: 1},
	})
	assert.Error(t, err)
}

func TestNewRegistryRejectsBadNames(t *testing.T) {
	_, err := NewRegistry([]ToolDefinition{
		{Name: "Upper", Description: "a", Category: CategoryUtility, Weight: 1},
	})
	assert.Error(t, err)

	_, err = NewRegistry([]ToolDefinition{
		{Name: "", Description: "a", Category: CategoryUtility, Weight: 1},
	})
	assert.Error(t, err)
}

func TestNewRegistryRejectsUnknownCategory(t *testing.T) {
	_, err := NewRegistry([]ToolDefinition{
		{Name: "x", Description: "a", Category: Category("nope"), Weight: 1},
	})
	assert.Error(t, err)
}

func TestGetAndByCategory(t *testing.T) {
	r := Default()

	def := r.Get("browser_navigate")
	require.NotNil(t, def)
	assert.Equal(t, CategoryBrowserCore, def.Category)

	assert.Nil(t, r.Get("no_such_tool"))

	core := r.ByCategory(CategoryBrowserCore)
	require.NotEmpty(t, core)
	for i := 1; i < len(core); i++ {
		assert.GreaterOrEqual(t, core[i-1].Weight, core[i].Weight,
			"ByCategory must order by descending weight")
	}
}
