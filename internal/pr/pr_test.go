package pr

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/riordanpawley/azedarach/internal/testutil"
)

func TestOptions_Args(t *testing.T) {
	opts := Options{
		Title:     "Add search (az-3)",
		Body:      "body",
		Branch:    "az-3",
		Base:      "main",
		Draft:     true,
		Reviewers: []string{"amy", "zed"},
		Labels:    []string{"azedarach"},
	}
	want := []string{"pr", "create",
		"--title", "Add search (az-3)",
		"--body", "body",
		"--head", "az-3",
		"--base", "main",
		"--draft",
		"--reviewer", "amy",
		"--reviewer", "zed",
		"--label", "azedarach",
	}
	if got := opts.Args(); !reflect.DeepEqual(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}
}

func TestCreate(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		err     error
		want    string
		wantErr bool
	}{
		{
			name:   "created",
			output: "Creating pull request for az-3 into main\n\nhttps://github.com/acme/app/pull/17\n",
			want:   "https://github.com/acme/app/pull/17",
		},
		{
			name:   "already exists",
			output: "a pull request for branch \"az-3\" into branch \"main\" already exists:\nhttps://github.com/acme/app/pull/16\n",
			err:    errors.New("exit status 1"),
			want:   "https://github.com/acme/app/pull/16",
		},
		{
			name:    "failure",
			output:  "could not find any commits between main and az-3",
			err:     errors.New("exit status 1"),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := testutil.NewFakeRunner().On("gh pr create", tt.output, tt.err)
			got, err := Create(context.Background(), runner, "/w/az-3", Options{Title: "t", Branch: "az-3"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Create() = %q, want %q", got, tt.want)
			}
			if dir := runner.Calls()[0].Dir; dir != "/w/az-3" {
				t.Errorf("dir = %q", dir)
			}
		})
	}
}
