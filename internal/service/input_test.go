package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

func TestListingFormValidate(t *testing.T) {
	tests := []struct {
		name    string
		form    ListingForm
		opts    ValidationOptions
		want    ListingInput
		wantErr string
	}{
		{
			name: "valid",
			form: ListingForm{Name: " Temp-01 ", Value: "42", Price: "10", Description: "lab"},
			want: ListingInput{Name: "Temp-01", Value: 42, Price: 10, Description: "lab"},
		},
		{
			name: "secondary value",
			form: ListingForm{Name: "h", Value: "0", Price: "0", SecondaryValue: "7"},
			want: ListingInput{Name: "h", SecondaryValue: 7},
		},
		{name: "empty name", form: ListingForm{Name: "  ", Value: "1", Price: "1"}, wantErr: "name is required"},
		{name: "missing value", form: ListingForm{Name: "x", Price: "1"}, wantErr: "value is required"},
		{name: "fractional value", form: ListingForm{Name: "x", Value: "4.5", Price: "1"}, wantErr: "non-negative integer"},
		{name: "signed value", form: ListingForm{Name: "x", Value: "+4", Price: "1"}, wantErr: "non-negative integer"},
		{name: "value overflow", form: ListingForm{Name: "x", Value: "4294967296", Price: "1"}, wantErr: "out of range"},
		{name: "negative price", form: ListingForm{Name: "x", Value: "1", Price: "-1"}, wantErr: "price"},
		{name: "empty price", form: ListingForm{Name: "x", Value: "1"}, wantErr: "price is required"},
		{
			name: "lenient price",
			form: ListingForm{Name: "x", Value: "1", Price: "ten", SecondaryValue: "?"},
			opts: ValidationOptions{LenientNumbers: true},
			want: ListingInput{Name: "x", Value: 1},
		},
		{
			name:    "lenient keeps value strict",
			form:    ListingForm{Name: "x", Value: "one", Price: "1"},
			opts:    ValidationOptions{LenientNumbers: true},
			wantErr: "value",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.form.Validate(tt.opts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrValidation)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListingFormValidateReportsAllProblems(t *testing.T) {
	_, err := ListingForm{Value: "x", Price: "y"}.Validate(ValidationOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "value ")
	assert.Contains(t, err.Error(), "price ")
}
