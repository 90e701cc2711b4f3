package mapper

import (
	"math"
	"math/bits"
	"sort"

	"github.com/fieldrobotics/vslam/kernel"
	"github.com/fieldrobotics/vslam/slammap"
)

// mergePair is one prevID -> newID fusion: prevID is dropped, newID survives.
type mergePair struct {
	prevID, newID slammap.KeypointID
	descDist      float64
}

// localMapMatch implements §4.4.3: project candidate map points from the
// keyframe's local map into its own image and look for an already-tracked
// keypoint nearby that is probably the same physical point, merging the two
// map points when found.
func (m *Mapper) localMapMatch(kf *slammap.Frame) error {
	candidateIDs := m.ensureLocalMapSize(kf)

	maxDist := m.cfg.MaxProjectionDistance
	if kf.Nb3DKpts < 30 {
		maxDist *= 2
	}
	fovCos := m.leftCam.HalfFOVCosine()

	best := make(map[slammap.KeypointID]mergePair) // surrounding kp id -> best merge pair
	for kpid := range candidateIDs {
		if _, observed := kf.Keypoints[kpid]; observed {
			continue
		}
		mp, ok := m.store.GetMapPoint(kpid)
		if !ok || !mp.Is3D {
			continue
		}

		camPoint := kernel.ProjectWorldToCamera(kf, mp.World)
		if camPoint.Z < 0.1 {
			continue
		}
		depth := math.Sqrt(camPoint.X*camPoint.X + camPoint.Y*camPoint.Y + camPoint.Z*camPoint.Z)
		if camPoint.Z/depth < fovCos {
			continue
		}
		px, ok := m.leftCam.Project(camPoint)
		if !ok || !m.leftCam.InImage(px) {
			continue
		}

		var surrounding []*slammap.Keypoint
		for _, kp := range kf.Keypoints {
			if pixelDist(px, kp.UndistortedPixel) <= maxDist {
				surrounding = append(surrounding, kp)
			}
		}
		if len(surrounding) == 0 {
			continue
		}

		matchID, dist, ok := m.findBestMatch(mp, surrounding, maxDist)
		if !ok {
			continue
		}
		if cur, exists := best[matchID]; !exists || dist < cur.descDist {
			best[matchID] = mergePair{prevID: kpid, newID: matchID, descDist: dist}
		}
	}
	if len(best) == 0 {
		return nil
	}

	pairs := make([]mergePair, 0, len(best))
	for _, p := range best {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].prevID < pairs[j].prevID })

	m.store.OptimizationLock().Lock()
	defer m.store.OptimizationLock().Unlock()
	for _, p := range pairs {
		if err := m.store.MergeMapPoints(p.prevID, p.newID); err != nil {
			return err
		}
	}
	return nil
}

// ensureLocalMapSize returns kf's local map, unioning in the oldest
// covisible keyframe's local map when it falls short of the required size.
func (m *Mapper) ensureLocalMapSize(kf *slammap.Frame) map[slammap.KeypointID]struct{} {
	required := 10 * m.cfg.MaxNbKeypoints
	out := make(map[slammap.KeypointID]struct{}, len(kf.LocalMapIDs))
	for id := range kf.LocalMapIDs {
		out[id] = struct{}{}
	}
	if len(out) >= required || len(kf.Covisibility) == 0 {
		return out
	}
	var oldest slammap.FrameID
	for id := range kf.Covisibility {
		if oldest == 0 || id < oldest {
			oldest = id
		}
	}
	oldestKf, ok := m.store.GetKeyframe(oldest)
	if !ok {
		return out
	}
	for id := range oldestKf.LocalMapIDs {
		out[id] = struct{}{}
	}
	return out
}

// findBestMatch implements the find_best_match screen: pixel distance was
// already checked by the caller's surrounding-keypoint query. Remaining
// gates are disjoint observer sets and average target reprojection across
// the candidate's observers; survivors are ranked by descriptor distance.
// The Lowe-ratio acceptance gate is contemplated in the source but commented
// out, so the best survivor alone decides the match.
func (m *Mapper) findBestMatch(candidate *slammap.MapPoint, surrounding []*slammap.Keypoint, maxDist float64) (slammap.KeypointID, float64, bool) {
	var bestID slammap.KeypointID
	bestDist := m.cfg.MaxDescriptorDistance + 1
	found := false

	for _, kp := range surrounding {
		surroundingMP, ok := m.store.GetMapPoint(kp.ID)
		if !ok {
			continue
		}
		if sharesObserver(candidate, surroundingMP) {
			continue
		}
		if m.averageReprojection(candidate, surroundingMP.ID) > maxDist {
			continue
		}
		dist := descriptorDistance(candidate.Descriptor, surroundingMP.Descriptor)
		if dist <= m.cfg.MaxDescriptorDistance && dist < bestDist {
			bestDist = dist
			bestID = kp.ID
			found = true
		}
	}
	return bestID, bestDist, found
}

// averageReprojection projects candidate's world point into every keyframe
// that observes targetID and averages the pixel reprojection error against
// that keyframe's own undistorted observation of targetID.
func (m *Mapper) averageReprojection(candidate *slammap.MapPoint, targetID slammap.KeypointID) float64 {
	targetMP, ok := m.store.GetMapPoint(targetID)
	if !ok || len(targetMP.Observers) == 0 {
		return m.cfg.MaxProjectionDistance + 1
	}
	var sum float64
	n := 0
	for _, kfid := range targetMP.Observers {
		observer, ok := m.store.GetKeyframe(kfid)
		if !ok {
			continue
		}
		obsKp, ok := m.store.GetKeypoint(kfid, targetID)
		if !ok {
			continue
		}
		camPoint := kernel.ProjectWorldToCamera(observer, candidate.World)
		if camPoint.Z < 0.1 {
			continue
		}
		px, ok := m.leftCam.Project(camPoint)
		if !ok {
			continue
		}
		sum += pixelDist(px, obsKp.UndistortedPixel)
		n++
	}
	if n == 0 {
		return m.cfg.MaxProjectionDistance + 1
	}
	return sum / float64(n)
}

func sharesObserver(a, b *slammap.MapPoint) bool {
	seen := make(map[slammap.FrameID]struct{}, len(a.Observers))
	for _, o := range a.Observers {
		seen[o] = struct{}{}
	}
	for _, o := range b.Observers {
		if _, ok := seen[o]; ok {
			return true
		}
	}
	return false
}

// descriptorDistance is the Hamming distance between two binary descriptors,
// the standard metric for the compact feature descriptors this map stores.
func descriptorDistance(a, b []byte) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dist := 0
	for i := 0; i < n; i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	dist += (len(a) - n) * 8
	if len(b) > n {
		dist += (len(b) - n) * 8
	}
	return float64(dist)
}
