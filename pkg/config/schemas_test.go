package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#VLAN: {
	id:   int & >=1 & <=4094
	name: string
}
`
	if err := sr.RegisterSchema("vlan", "#VLAN", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	if _, ok := sr.GetSchema("vlan"); !ok {
		t.Fatal("expected to find vlan schema")
	}

	err := sr.ValidateAgainstSchema(context.Background(), "vlan", map[string]interface{}{"id": 5000, "name": "x"})
	if err == nil {
		t.Error("expected out of range vlan id to fail")
	}

	if err := sr.RegisterSchema("missing", "#Nope", customSchema); err == nil {
		t.Error("expected error for missing definition")
	}
	if err := sr.RegisterSchema("broken", "#X", "#X: {"); err == nil {
		t.Error("expected compile error")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	got := sr.ListSchemas()
	if len(got) != 2 || got[0] != "range" || got[1] != "subnet" {
		t.Errorf("unexpected built-in schemas: %v", got)
	}
}

func TestSchemaRegistry_ValidateSubnet(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := SubnetConfig{
		ID:     "lab",
		CIDR:   "10.0.0.0/24",
		Ranges: []RangeConfig{{ID: "main", Start: "10.0.0.1", End: "10.0.0.9"}},
	}

	tests := []struct {
		name    string
		mutate  func(s *SubnetConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(*SubnetConfig) {}},
		{name: "uppercase id", mutate: func(s *SubnetConfig) { s.ID = "Lab" }, wantErr: true},
		{name: "cidr without prefix length", mutate: func(s *SubnetConfig) { s.CIDR = "10.0.0.0" }, wantErr: true},
		{name: "no ranges", mutate: func(s *SubnetConfig) { s.Ranges = nil }, wantErr: true},
		{name: "bad range id", mutate: func(s *SubnetConfig) { s.Ranges = []RangeConfig{{ID: "-x", Start: "a", End: "b"}} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			s.Ranges = append([]RangeConfig(nil), valid.Ranges...)
			tt.mutate(&s)
			err := sr.ValidateSubnet(ctx, s)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSubnet() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := sr.ValidateRange(ctx, RangeConfig{ID: "r1", Start: "10.0.0.1", End: "10.0.0.2"}); err != nil {
		t.Errorf("ValidateRange failed: %v", err)
	}
}
