package domain

import "testing"

func TestTopOfBook_Valid(t *testing.T) {
	cases := []struct {
		name string
		tob  TopOfBook
		want bool
	}{
		{"正常盘口", TopOfBook{PerpBid: 25.0, PerpAsk: 25.01, SpotBid: 24.99, SpotAsk: 25.0}, true},
		{"锁定盘口", TopOfBook{PerpBid: 25.0, PerpAsk: 25.0, SpotBid: 25.0, SpotAsk: 25.0}, true},
		{"缺现货腿", TopOfBook{PerpBid: 25.0, PerpAsk: 25.01}, false},
		{"合约盘口交叉", TopOfBook{PerpBid: 25.02, PerpAsk: 25.01, SpotBid: 24.99, SpotAsk: 25.0}, false},
		{"现货盘口交叉", TopOfBook{PerpBid: 25.0, PerpAsk: 25.01, SpotBid: 25.01, SpotAsk: 25.0}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.tob.Valid(); got != tc.want {
				t.Fatalf("Valid()=%v want=%v tob=%+v", got, tc.want, tc.tob)
			}
		})
	}
}
