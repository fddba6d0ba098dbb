package engine

import (
	"reflect"
	"testing"

	"github.com/boypt/wire-torrent/peerwire"
)

func Test_filteredLogger_filteredArg(t *testing.T) {
	type args struct {
		v []interface{}
	}
	tests := []struct {
		name string
		args args
		want []interface{}
	}{
		{"1", args{v: []interface{}{"123"}}, []interface{}{"123"}},
		{"2", args{v: []interface{}{"abcdef1234567890abcdef1234567890abcdef12"}}, []interface{}{"[abcdef..]"}},
		{"3", args{v: []interface{}{"abcdef1234567890abcdef1234567890abcdef12", "123"}}, []interface{}{"[abcdef..]", "123"}},
		{"4", args{v: []interface{}{peerwire.StateFailed, peerwire.StateHandshakeComplete}}, []interface{}{"[Failed]", "[HandshakeComplete]"}},
		{"not hex", args{v: []interface{}{"this string is forty characters long...."}}, []interface{}{"this string is forty characters long...."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := log.filteredArg(tt.args.v...); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("filteredLogger.filteredArg() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_filteredLogger_Println(t *testing.T) {
	type args struct {
		v []interface{}
	}
	tests := []struct {
		name string
		args args
	}{
		{
			"1", args{v: []interface{}{"1", "shoud hide", "abcdef1234567890abcdef1234567890abcdef12"}},
		},
		{

			"2", args{v: []interface{}{"2", "shoud not hide", "1abcdef1234567890abcdef1234567890abcdef12"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log.Println(tt.args.v...)
		})
	}
}
