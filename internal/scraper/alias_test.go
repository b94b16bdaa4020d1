package scraper

import "testing"

func TestProductFromScarabAliases(t *testing.T) {
	raw := map[string]any{
		"item":      "SKU-42",
		"title":     "Running Shoes",
		"desc":      "lightweight trainer",
		"img":       "https://cdn.example/shoe.jpg",
		"link":      "https://store.example/shoe",
		"price":     "149.90",
		"available": true,
		"rating":    4.2,
	}

	p := productFromScarab(raw, 0)

	if p.ID != "SKU-42" {
		t.Errorf("ID = %q, want SKU-42 (item alias)", p.ID)
	}
	if p.Name != "Running Shoes" {
		t.Errorf("Name = %q, want Running Shoes (title alias)", p.Name)
	}
	if p.Description != "lightweight trainer" {
		t.Errorf("Description = %q (desc alias)", p.Description)
	}
	if p.ImageURL != "https://cdn.example/shoe.jpg" {
		t.Errorf("ImageURL = %q (img alias)", p.ImageURL)
	}
	if p.URL != "https://store.example/shoe" {
		t.Errorf("URL = %q (link alias)", p.URL)
	}
	if p.Price == nil || *p.Price != 149.90 {
		t.Errorf("Price = %v, want 149.90 from string payload", p.Price)
	}
	if p.InStock == nil || !*p.InStock {
		t.Errorf("InStock = %v, want true from available", p.InStock)
	}
	if p.Rating == nil || *p.Rating != 4.2 {
		t.Errorf("Rating = %v, want 4.2", p.Rating)
	}
	if p.Metadata == nil {
		t.Fatal("Metadata should retain the raw object")
	}
	if p.Metadata["item"] != "SKU-42" {
		t.Errorf("Metadata lost raw field: %v", p.Metadata)
	}
}

func TestProductFromScarabAliasOrder(t *testing.T) {
	// id 优先于 item，title 优先于 name
	raw := map[string]any{
		"id":    "canonical",
		"item":  "fallback",
		"title": "Canonical Name",
		"name":  "Fallback Name",
	}
	p := productFromScarab(raw, 3)
	if p.ID != "canonical" {
		t.Errorf("ID = %q, want canonical", p.ID)
	}
	if p.Name != "Canonical Name" {
		t.Errorf("Name = %q, want Canonical Name", p.Name)
	}
}

func TestProductFromScarabDefaults(t *testing.T) {
	p := productFromScarab(map[string]any{}, 3)
	if p.ID != "product-3" {
		t.Errorf("ID = %q, want product-3", p.ID)
	}
	if p.Name != "Product 4" {
		t.Errorf("Name = %q, want Product 4", p.Name)
	}
	if p.Price != nil || p.InStock != nil || p.Rating != nil || p.ReviewCount != nil {
		t.Error("optional fields should stay absent for empty payload")
	}
}

func TestCoerceHelpers(t *testing.T) {
	if v := coerceFloat("12.5"); v == nil || *v != 12.5 {
		t.Errorf("coerceFloat string = %v", v)
	}
	if v := coerceFloat(7.0); v == nil || *v != 7.0 {
		t.Errorf("coerceFloat number = %v", v)
	}
	if coerceFloat("abc") != nil || coerceFloat(nil) != nil {
		t.Error("coerceFloat should reject non-numeric values")
	}
	if v := coerceInt(3.0); v == nil || *v != 3 {
		t.Errorf("coerceInt number = %v", v)
	}
	if v := coerceInt("17"); v == nil || *v != 17 {
		t.Errorf("coerceInt string = %v", v)
	}
	if v := coerceBool(true); v == nil || !*v {
		t.Errorf("coerceBool = %v", v)
	}
	if coerceBool("true") != nil {
		t.Error("coerceBool should only accept real booleans")
	}
}
