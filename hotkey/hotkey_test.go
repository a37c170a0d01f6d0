package hotkey

import "testing"

func TestParseBinding(t *testing.T) {
	tests := []struct {
		in      string
		want    Binding
		label   string
		wantErr bool
	}{
		{in: "ctrl+shift+s", want: DefaultBinding, label: "Ctrl+Shift+S"},
		{in: " Control + Alt + 9 ", want: Binding{Ctrl: true, Alt: true, Key: '9'}, label: "Ctrl+Alt+9"},
		{in: "option+x", want: Binding{Alt: true, Key: 'x'}, label: "Alt+X"},
		{in: "s", wantErr: true},
		{in: "ctrl+ctrl+s", wantErr: true},
		{in: "super+s", wantErr: true},
		{in: "ctrl+f1", wantErr: true},
		{in: "ctrl+", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBinding(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseBinding(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseBinding(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if got.String() != tt.label {
				t.Errorf("String() = %q, want %q", got.String(), tt.label)
			}
		})
	}
}
