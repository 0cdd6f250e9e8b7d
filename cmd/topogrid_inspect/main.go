// topogrid_inspect reports how a distributed training job maps onto a rank
// topology: per-rank coordinates, the derived parallelism identities and
// every communication group the job would create.
//
// The topology is given either explicitly with -axes/-dims, or factored from
// -world_size the way jobs without an explicit topology do it. The group
// reports build a real grid for every rank over the in-process communication
// backend, so what is printed is what a job would create.
//
// Example:
//
//	topogrid_inspect -axes pipe,data,model -dims 2,2,2 -summary -groups
//	topogrid_inspect -world_size 12 -coords -p2p
//	topogrid_inspect -world_size 4096 -verify
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/topogrid/comms/local"
	"github.com/gomlx/topogrid/grid"
	"github.com/gomlx/topogrid/topology"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagAxes = flag.String("axes", "", "Comma-separated axis names of the topology, outermost first, "+
		"e.g. \"pipe,data,model\". Requires -dims with as many entries. "+
		"When empty, a default pipe-and-data topology is factored from -world_size.")
	flagDims = flag.String("dims", "", "Comma-separated axis sizes matching -axes, e.g. \"2,2,4\".")
	flagWorldSize = flag.Int("world_size", 0, "World size from which to factor the default topology. "+
		"Only used when -axes is not given.")
	flagRank = flag.Int("rank", -1, "Restrict the -groups report to a single rank. "+
		"The default -1 reports every rank.")

	flagSummary = flag.Bool("summary", false, "Display a summary of the topology: axes, sizes and "+
		"the number of communication groups a job would create. Default report when no other is selected.")
	flagCoords = flag.Bool("coords", false, "List every rank with its coordinate and label, "+
		"and the comm lists of each axis.")
	flagGroups = flag.Bool("groups", false, "Build the grid of every rank and list the communication "+
		"groups from each rank's point of view.")
	flagP2P = flag.Bool("p2p", false, "List the point-to-point buddy pairing of the pipeline stages.")
	flagVerify = flag.Bool("verify", false, "Sweep all ranks checking the rank<->coordinate bijection "+
		"and the derived groups for consistency.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'topogrid_inspect -help'.", flag.Args())
		os.Exit(1)
	}
	if !*flagCoords && !*flagGroups && !*flagP2P && !*flagVerify {
		*flagSummary = true
	}

	topo := buildTopology()
	if *flagSummary {
		Summary(topo)
	}
	if *flagCoords {
		Coords(topo)
	}
	if *flagGroups || *flagP2P || *flagVerify {
		grids, cluster := buildAllGrids(topo)
		if *flagVerify {
			Verify(topo, grids, cluster)
		}
		if *flagGroups {
			Groups(grids)
		}
		if *flagP2P {
			P2P(grids[0])
		}
	}
}

// buildTopology resolves the -axes/-dims or -world_size flags into a
// Topology, exiting with a message on misuse.
func buildTopology() *topology.Topology {
	if *flagAxes == "" {
		if *flagDims != "" {
			klog.Errorf("-dims requires -axes. See 'topogrid_inspect -help'.")
			os.Exit(1)
		}
		if *flagWorldSize < 1 {
			klog.Errorf("Either -axes/-dims or -world_size=<n> is required. See 'topogrid_inspect -help'.")
			os.Exit(1)
		}
		return must.M1(grid.DefaultTopology(*flagWorldSize))
	}

	axes := strings.Split(*flagAxes, ",")
	for i, axis := range axes {
		axes[i] = strings.TrimSpace(axis)
	}
	if *flagDims == "" {
		klog.Errorf("-axes requires -dims. See 'topogrid_inspect -help'.")
		os.Exit(1)
	}
	dimsFields := strings.Split(*flagDims, ",")
	dims := make([]int, len(dimsFields))
	for i, field := range dimsFields {
		dim, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			klog.Errorf("-dims entry %q is not a number.", field)
			os.Exit(1)
		}
		dims[i] = dim
	}
	topo, err := topology.New(axes, dims)
	if err != nil {
		klog.Errorf("Invalid topology: %v", err)
		os.Exit(1)
	}
	return topo
}

// numGroupsFor predicts how many communication groups one job over topo
// creates: model-replica, data-parallel, gradient, activation, pipeline and
// slice groups.
func numGroupsFor(topo *topology.Topology) int {
	worldSize := topo.WorldSize()
	pipeSize := max(topo.Dim(topology.AxisPipe), 1)
	dataSize := max(topo.Dim(topology.AxisData), 1)
	modelSize := max(topo.Dim(topology.AxisModel), 1)
	return dataSize + // model-replica groups
		worldSize/dataSize + // data-parallel groups
		2*dataSize*(pipeSize-1) + // gradient and activation groups
		worldSize/pipeSize + // pipeline groups
		worldSize/modelSize // slice groups
}

func Summary(topo *topology.Topology) {
	fmt.Println(titleStyle.Render("Topology"))
	table := newPlainTableWithReds(lipgloss.Right, lipgloss.Left)
	table.Row(false, "axes", strings.Join(topo.AxisNames(), ", "))
	dims := make([]string, topo.NumAxes())
	for i, dim := range topo.Dims() {
		dims[i] = strconv.Itoa(dim)
	}
	table.Row(false, "dims", strings.Join(dims, ", "))
	table.Row(false, "world size", humanize.Comma(int64(topo.WorldSize())))

	pipeSize := max(topo.Dim(topology.AxisPipe), 1)
	dataSize := max(topo.Dim(topology.AxisData), 1)
	modelSize := max(topo.Dim(topology.AxisModel), 1)
	table.Row(false, "pipeline stages", humanize.Comma(int64(pipeSize)))
	table.Row(dataSize == 1 && topo.WorldSize() > 1,
		"data-parallel replicas", humanize.Comma(int64(dataSize)))
	table.Row(false, "model slices per stage", humanize.Comma(int64(modelSize)))
	table.Row(false, "# groups per job", humanize.Comma(int64(numGroupsFor(topo))))
	fmt.Println(table.Table.Render())

	if dataSize == 1 && topo.WorldSize() > 1 {
		fmt.Println(redRowStyle.Render(
			"note: no data-parallel replicas, every rank is its own gradient all-reduce group"))
	}
}

func Coords(topo *topology.Topology) {
	fmt.Println(titleStyle.Render("Coordinates"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left, lipgloss.Left)
	table.Headers("Rank", "Coordinate", "Label")
	for rank := range topo.WorldSize() {
		coord := must.M1(topo.Coord(rank))
		label := must.M1(topo.RankLabel(rank))
		table.Row(strconv.Itoa(rank), coord.String(), label)
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Axis comm lists"))
	table = newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Headers("Axis", "Lists")
	for _, axis := range topo.AxisNames() {
		lists := topo.AxisCommLists(axis)
		rendered := make([]string, len(lists))
		for i, list := range lists {
			rendered[i] = fmt.Sprintf("%v", list)
		}
		table.Row(axis, strings.Join(rendered, " "))
	}
	fmt.Println(table.Render())
}

// newProgressBar creates the progress bar used by the sweep reports. The
// terminal cursor is hidden while the bar animates; the returned func
// finishes the bar and restores it.
func newProgressBar(total int, description string) (*progressbar.ProgressBar, func()) {
	output := termenv.NewOutput(os.Stdout)
	output.HideCursor()
	bar := progressbar.Default(int64(total), description)
	return bar, func() {
		_ = bar.Finish()
		output.ShowCursor()
	}
}

// buildAllGrids constructs the grid of every rank concurrently over an
// in-process cluster, so the printed groups went through the real collective
// group-creation path.
func buildAllGrids(topo *topology.Topology) ([]*grid.Grid, *local.Cluster) {
	worldSize := topo.WorldSize()
	cluster := must.M1(local.NewCluster(worldSize))
	bar, barDone := newProgressBar(worldSize, "building grids")

	grids := make([]*grid.Grid, worldSize)
	buildErrs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := range worldSize {
		backend := must.M1(cluster.Backend(rank))
		wg.Add(1)
		go func() {
			defer wg.Done()
			grids[rank], buildErrs[rank] = grid.New(topo, backend)
			_ = bar.Add(1)
		}()
	}
	wg.Wait()
	barDone()
	for rank, err := range buildErrs {
		if err != nil {
			klog.Errorf("Building the grid of rank %d failed: %+v", rank, err)
			os.Exit(1)
		}
	}
	return grids, cluster
}

// fmtGroup renders a communication group with its root, or "-" when the rank
// has none in that direction.
func fmtGroup(cg *grid.CommGroup, src int) string {
	if cg == nil {
		return "-"
	}
	if src < 0 {
		return fmt.Sprintf("%v", cg.Ranks())
	}
	return fmt.Sprintf("%v @%d", cg.Ranks(), src)
}

func Groups(grids []*grid.Grid) {
	ranks := make([]int, 0, len(grids))
	if *flagRank >= 0 {
		if *flagRank >= len(grids) {
			klog.Errorf("-rank=%d is out of range, the world size is %d.", *flagRank, len(grids))
			os.Exit(1)
		}
		ranks = append(ranks, *flagRank)
	} else {
		for rank := range grids {
			ranks = append(ranks, rank)
		}
	}

	fmt.Println(titleStyle.Render("Identity and collective groups"))
	table := newPlainTable(lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	table.Headers("Rank", "Stage", "Data", "Model", "Data-parallel", "Pipeline", "Slice", "Replica")
	for _, rank := range ranks {
		g := grids[rank]
		table.Row(
			strconv.Itoa(rank),
			strconv.Itoa(g.StageID()),
			strconv.Itoa(g.DataParallelRank()),
			strconv.Itoa(g.ModelParallelRank()),
			fmtGroup(g.DataParallelGroup(), -1),
			fmtGroup(g.PipeParallelGroup(), -1),
			fmtGroup(g.SliceParallelGroup(), g.SliceParallelSrcRank()),
			fmtGroup(g.ModelReplicaGroup(), -1),
		)
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Pipeline transfer groups (root marked @)"))
	table = newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Headers("Rank", "Activation send", "Activation recv", "Gradient send", "Gradient recv")
	for _, rank := range ranks {
		g := grids[rank]
		table.Row(
			strconv.Itoa(rank),
			fmtGroup(g.ActivationSendGroup(), g.ActivationSendSrcRank()),
			fmtGroup(g.ActivationRecvGroup(), g.ActivationRecvSrcRank()),
			fmtGroup(g.GradientSendGroup(), g.GradientSendSrcRank()),
			fmtGroup(g.GradientRecvGroup(), g.GradientRecvSrcRank()),
		)
	}
	fmt.Println(table.Render())
}

func P2P(g *grid.Grid) {
	fmt.Println(titleStyle.Render("Point-to-point buddies"))
	table := newPlainTable(lipgloss.Right, lipgloss.Right)
	table.Headers("Rank", "Buddy (next stage)")
	for _, pair := range g.P2PPairs() {
		table.Row(strconv.Itoa(pair[0]), strconv.Itoa(pair[1]))
	}
	fmt.Println(table.Render())
}

func Verify(topo *topology.Topology, grids []*grid.Grid, cluster *local.Cluster) {
	fmt.Println(titleStyle.Render("Verification"))
	table := newPlainTableWithReds(lipgloss.Right, lipgloss.Left)

	// Rank <-> coordinate bijection over the whole world.
	bar, barDone := newProgressBar(topo.WorldSize(), "checking bijection")
	bijectionOK := true
	for rank := range topo.WorldSize() {
		coord := must.M1(topo.Coord(rank))
		if back := must.M1(topo.Rank(coord)); back != rank {
			bijectionOK = false
			klog.Errorf("Rank %d maps to %s which maps back to %d.", rank, coord, back)
		}
		_ = bar.Add(1)
	}
	barDone()
	table.Row(!bijectionOK, "rank<->coordinate bijection", verdict(bijectionOK))

	// Every rank must be a member of all its collective groups.
	membershipOK := true
	for rank, g := range grids {
		if !g.DataParallelGroup().Contains(rank) ||
			!g.PipeParallelGroup().Contains(rank) ||
			!g.SliceParallelGroup().Contains(rank) ||
			!g.ModelReplicaGroup().Contains(rank) {
			membershipOK = false
			klog.Errorf("Rank %d is missing from one of its own groups: %s", rank, g)
		}
	}
	table.Row(!membershipOK, "group membership", verdict(membershipOK))

	// The in-process backend enforces that all ranks requested identical
	// group sequences; here we check the expected total came out.
	wantGroups := numGroupsFor(topo)
	countOK := cluster.NumGroups() == wantGroups
	table.Row(!countOK, "groups created",
		fmt.Sprintf("%s (expected %s)",
			humanize.Comma(int64(cluster.NumGroups())), humanize.Comma(int64(wantGroups))))

	fmt.Println(table.Table.Render())
	if !bijectionOK || !membershipOK || !countOK {
		os.Exit(1)
	}
}

func verdict(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAILED"
}
