package refresh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/maintops/internal/refresh/transform"
)

func TestCleanReasons(t *testing.T) {
	rows := []Reschedule{
		{Reason: strPtr("Cambio Filtro!! de Aceite")},
		{Reason: strPtr("  ...  ")},
		{Reason: nil},
	}
	cleanReasons(rows)

	require.NotNil(t, rows[0].Reason)
	assert.Equal(t, "Cambio Filtro de Aceite", *rows[0].Reason)
	assert.Nil(t, rows[1].Reason)
	assert.Nil(t, rows[2].Reason)
}

func TestImputeReasons_PrefersActivityThenStatus(t *testing.T) {
	rows := []Reschedule{
		{Activity: strPtr("A"), ActivityStatus: strPtr("S1"), Reason: strPtr("mantenimiento")},
		{Activity: strPtr("A"), ActivityStatus: strPtr("S2"), Reason: strPtr("mantenimiento")},
		{Activity: strPtr("B"), ActivityStatus: strPtr("S2"), Reason: strPtr("lluvia")},
		{Activity: strPtr("A"), ActivityStatus: strPtr("S2"), Reason: nil},
		{Activity: strPtr("C"), ActivityStatus: strPtr("S2"), Reason: nil},
		{Activity: strPtr("C"), ActivityStatus: strPtr("S9"), Reason: nil},
	}

	filled := imputeReasons(rows)
	assert.Equal(t, 2, filled)
	assert.Equal(t, "mantenimiento", *rows[3].Reason)
	// S2 ties mantenimiento/lluvia; the smaller label wins.
	assert.Equal(t, "lluvia", *rows[4].Reason)
	assert.Nil(t, rows[5].Reason)
}

func TestFilterReasons(t *testing.T) {
	classifier := transform.NewClassifier(transform.DefaultLexicon())
	rows := []Reschedule{
		{WorkOrder: "M1", Reason: strPtr("OTROS")},
		{WorkOrder: "M2", Reason: strPtr(" cambio de programa ")},
		{WorkOrder: "M3", Reason: nil},
		{WorkOrder: "M4", Reason: strPtr("Cambio Filtro de Aceite")},
	}

	p := New(nil, nil, classifier, Options{ClassifyRescheduleReasons: true})
	got := p.filterReasons(rows)
	require.Len(t, got, 1)
	assert.Equal(t, "M4", got[0].WorkOrder)
	assert.Equal(t, "filtro", *got[0].Reason)

	p = New(nil, nil, classifier, Options{})
	got = p.filterReasons(rows)
	require.Len(t, got, 1)
	assert.Equal(t, "Cambio Filtro de Aceite", *got[0].Reason)
	assert.Equal(t, "Cambio Filtro de Aceite", *rows[3].Reason)
}
