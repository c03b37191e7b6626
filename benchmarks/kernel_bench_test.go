// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package benchmarks

import (
	"strconv"
	"testing"

	"mcs"
	"mcs/internal/kernel/accounting"
)

func BenchmarkRefill_SplitCheck(b *testing.B) {
	sc, err := mcs.NewSchedContext(10, 2)
	if err != nil {
		b.Fatal(err)
	}
	sc.New(0, 16, 1000, 10_000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sc.SplitCheck(10)
	}
}

func BenchmarkRefill_BudgetCheck(b *testing.B) {
	sc, err := mcs.NewSchedContext(10, 2)
	if err != nil {
		b.Fatal(err)
	}
	sc.New(0, 16, 1000, 10_000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sc.BudgetCheck(sc.Head().Amount, 0)
	}
}

func BenchmarkRefill_UnblockCheck(b *testing.B) {
	sc, err := mcs.NewSchedContext(10, 2)
	if err != nil {
		b.Fatal(err)
	}
	sc.New(0, 16, 1000, 10_000)
	for i := 0; i < 8; i++ {
		sc.SplitCheck(50)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sc.UnblockCheck(mcs.Ticks(i))
	}
}

func BenchmarkIPC_RoundTrip(b *testing.B) {
	for _, fast := range []bool{true, false} {
		name := "slowpath"
		if fast {
			name = "fastpath"
		}
		b.Run(name, func(b *testing.B) {
			p := newPingPong(b)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := p.roundTrip(fast); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

type usage map[string]mcs.Ticks

func (u usage) Usage() map[string]mcs.Ticks { return u }

func BenchmarkStore_Refresh(b *testing.B) {
	src := usage{}
	for i := 0; i < 1000; i++ {
		src["sc-"+strconv.Itoa(i)] = 0
	}
	store := accounting.NewStore(src)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for k := range src {
			src[k]++
		}
		store.Refresh()
	}
}
