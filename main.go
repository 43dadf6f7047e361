package main

import (
	"fmt"

	"github.com/sanity-io/litter"

	"github.com/kevinxiao27/canvas-sync/canvas"
	"github.com/kevinxiao27/canvas-sync/ol"
)

func main() {
	litter.Config.HidePrivateFields = false
	oplog1 := ol.NewOpLog("demo", ol.WithUserID("a"))
	oplog2 := ol.NewOpLog("demo", ol.WithUserID("z"))

	oplog1.AddNode("n1", ol.Fields{"x": 0.0, "y": 0.0, "label": "hi"})
	oplog1.AddNode("n2", ol.Fields{"x": 100.0, "y": 0.0})
	ol.MergeInto(oplog2, oplog1)

	oplog1.MoveNode("n1", 10, 10)
	oplog2.UpdateNode("n1", ol.Fields{"x": 50.0, "label": "yoooo"})
	oplog2.AddConnection("c1", "n1", "n2", nil)
	oplog2.DeleteNode("n2")

	ol.MergeInto(oplog1, oplog2)
	ol.MergeInto(oplog2, oplog1)

	result1 := canvas.Checkout(oplog1.Operations()).State()
	result2 := canvas.Checkout(oplog2.Operations()).State()
	fmt.Printf("Result 1: %s\n", litter.Sdump(result1))
	fmt.Printf("Result 2: %s\n", litter.Sdump(result2))

	if litter.Sdump(result1) == litter.Sdump(result2) {
		fmt.Println("States match")
	} else {
		fmt.Println("States differ")
	}
}
