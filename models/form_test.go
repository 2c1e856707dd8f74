package models

import (
	"testing"

	"bitbucket.org/mmdatafocus/forms_backend/utils"
)

func TestApplyOnAnyConfirm(t *testing.T) {
	if ApplyOnAnyConfirm(nil) {
		t.Fatal("no fields should not request early application")
	}

	plain := []FormField{
		{FieldKey: "code"},
		{FieldKey: "qty", ApplyOnConfirm: utils.NewFalse()},
	}
	if ApplyOnAnyConfirm(plain) {
		t.Fatal("fields without the flag should not request early application")
	}

	marked := append(plain, FormField{FieldKey: "note", ApplyOnConfirm: utils.NewTrue()})
	if !ApplyOnAnyConfirm(marked) {
		t.Fatal("a single flagged field should request early application")
	}
}
